// Package telemetry owns the process-wide prometheus registry and the
// relay's metrics. Mount the handler with
// mux.Handle("/metrics", telemetry.MetricsHandler()).
package telemetry

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Relay core ----

	MessagesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "floodline",
		Name:      "messages_relayed_total",
		Help:      "Messages accepted by the router and flooded to the mesh.",
	})

	DuplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "floodline",
		Name:      "duplicates_dropped_total",
		Help:      "Frames dropped because their nonce was already seen.",
	})

	MalformedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "floodline",
		Name:      "malformed_frames_total",
		Help:      "Inbound frames that failed to parse and were discarded.",
	})

	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floodline",
		Name:      "send_failures_total",
		Help:      "Best-effort broadcast sends that failed, by target kind.",
	}, []string{"kind"})

	// ---- Mesh membership ----

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "floodline",
		Name:      "peers_connected",
		Help:      "Outgoing peer links currently established.",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "floodline",
		Name:      "sessions_active",
		Help:      "Incoming peer sessions currently registered.",
	})

	// ---- Channels ----

	ChannelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "floodline",
		Name:      "channels_active",
		Help:      "Channels with at least one local subscriber.",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "floodline",
		Name:      "subscribers",
		Help:      "Local subscriber connections across all channels.",
	})

	// ---- Rate limiting ----

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floodline",
		Name:      "ratelimit_rejections_total",
		Help:      "Requests rejected by the rate limiter, by route and cause.",
	}, []string{"route", "cause"})

	// ---- HTTP ----

	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "floodline",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"op", "status"})

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "floodline",
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(startTime).Seconds() })
)

func init() {
	Registry.MustRegister(
		MessagesRelayed, DuplicatesDropped, MalformedFrames, SendFailures,
		PeersConnected, SessionsActive,
		ChannelsActive, Subscribers,
		RateLimitRejections, RequestsTotal, uptime,
	)
}

// MetricsHandler exposes the registry over HTTP.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets instrumented websocket endpoints take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("telemetry: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Instrument wraps an http.Handler to record request counts under op.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
	})
}
