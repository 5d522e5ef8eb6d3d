// Package server exposes a relay node over HTTP: the peer-link endpoint
// other nodes dial, the subscriber endpoint clients connect to, and the
// operational endpoints. Routes are registered statically at startup.
package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/floodline/floodline/internal/channel"
	"github.com/floodline/floodline/internal/limiter"
	"github.com/floodline/floodline/internal/mesh"
	"github.com/floodline/floodline/internal/telemetry"
)

// Config carries the server's read-only inputs.
type Config struct {
	// Secret demanded from incoming peers on /node/.
	Secret string
	// ConnectLimit guards /connect/ when non-empty, e.g. "20/minute".
	ConnectLimit string
	// ConnectAuthLimit optionally replaces ConnectLimit for authenticated
	// callers.
	ConnectAuthLimit string
	// RequireAuth makes /connect/ reject unauthenticated callers outright.
	RequireAuth bool
}

// Server wires the relay core to its HTTP surface.
type Server struct {
	cfg      Config
	log      *zap.Logger
	mesh     *mesh.Manager
	router   *mesh.Router
	channels *channel.Registry
	limiter  *limiter.Limiter
	upgrader websocket.Upgrader
}

// New creates a Server. lim may be nil, which disables rate limiting.
func New(cfg Config, m *mesh.Manager, router *mesh.Router, channels *channel.Registry, lim *limiter.Limiter, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.Named("server"),
		mesh:     m,
		router:   router,
		channels: channels,
		limiter:  lim,
		// peer and subscriber links come from other nodes and arbitrary
		// clients, not browsers on this origin
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/node/", telemetry.Instrument("node", http.HandlerFunc(s.handleNode)))

	var connect http.Handler = http.HandlerFunc(s.handleConnect)
	if s.limiter != nil && s.cfg.ConnectLimit != "" {
		opts := []limiter.Option{}
		if s.cfg.ConnectAuthLimit != "" {
			opts = append(opts, limiter.WithAuthLimit(s.cfg.ConnectAuthLimit))
		}
		if s.cfg.RequireAuth {
			opts = append(opts, limiter.RequireAuth())
		}
		connect = s.limiter.Limit("connect", s.cfg.ConnectLimit, opts...)(connect)
	}
	mux.Handle("/connect/", telemetry.Instrument("connect", connect))

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// handleNode accepts an incoming peer link. The connecting node presents
// the shared mesh secret in the Authorization header; a mismatch is
// rejected immediately and never retried from this side.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	cred := r.Header.Get("Authorization")
	if subtle.ConstantTimeCompare([]byte(cred), []byte(s.cfg.Secret)) != 1 {
		s.log.Warn("incoming peer rejected: bad credential", zap.String("remote", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("peer upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer conn.Close()

	sess := mesh.NewSession(conn, s.router, s.log)
	s.mesh.RegisterSession(sess)
	defer s.mesh.UnregisterSession(sess)
	sess.Run(r.Context())
}

// handleConnect attaches a subscriber to a channel. The path after
// /connect/ is "<channel>/<secret>"; any other shape means the whole tail
// is the channel name and the secret is empty, bound on first creation.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	name, secret := parseConnectPath(r.URL.Path)
	if name == "" {
		http.Error(w, "missing channel name", http.StatusBadRequest)
		return
	}

	// Reject with a proper forbidden response while this is still a plain
	// HTTP request; Join re-checks once the socket exists.
	if err := s.channels.Authorize(name, secret); err != nil {
		s.log.Info("join rejected: bad secret",
			zap.String("channel", name), zap.String("remote", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("subscriber upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer conn.Close()

	client := newClient(conn, name, s.log)
	if err := s.channels.Join(name, secret, client); err != nil {
		// lost a race with another joiner that created the channel under a
		// different secret after the Authorize check
		if errors.Is(err, channel.ErrBadSecret) {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "secret mismatch")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(mesh.WriteWait))
		}
		return
	}
	defer s.channels.Leave(name, client)
	client.run(r.Context(), s.channels)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func parseConnectPath(path string) (name, secret string) {
	tail := strings.TrimPrefix(path, "/connect/")
	parts := strings.Split(tail, "/")
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return tail, ""
}
