// Package mesh maintains the node-to-node side of a relay node: the set of
// outgoing peer connections dialed from configuration, the incoming peer
// sessions accepted over HTTP, and the router that floods messages between
// them and the local channels.
package mesh

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/floodline/floodline/internal/proto"
	"github.com/floodline/floodline/internal/telemetry"
)

// Keep-alive and connection timing for every mesh socket.
const (
	// HeartbeatInterval is how often pings go out on an idle link.
	HeartbeatInterval = 10 * time.Second
	// PongWait is how long a link may stay silent before it is considered
	// dead. Three missed heartbeats.
	PongWait = 3 * HeartbeatInterval
	// WriteWait bounds a single outbound write.
	WriteWait = 10 * time.Second

	defaultDialTimeout = 15 * time.Second
	defaultBackoff     = 10 * time.Second
)

// Sender is a mesh link a frame can be sent on. Outgoing peers and incoming
// sessions both implement it; the router uses it to exclude a message's
// origin from the flood.
type Sender interface {
	ID() string
	Send(f proto.Frame) error
}

// Config tunes the mesh manager. Zero values get production defaults; tests
// shrink the timings.
type Config struct {
	// Secret is presented by outgoing peers and demanded from incoming ones.
	Secret      string
	DialTimeout time.Duration
	Backoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Backoff == 0 {
		c.Backoff = defaultBackoff
	}
}

// Manager owns the two link collections. Outgoing peers are keyed by their
// configured URL and live for the process lifetime; incoming sessions are
// ephemeral and keyed by session ID.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	peers    map[string]*Peer
	sessions map[string]Sender
	router   *Router
	ctx      context.Context
}

// NewManager creates a Manager. Start wires the router and dials the
// configured peers.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		log:      log.Named("mesh"),
		peers:    make(map[string]*Peer),
		sessions: make(map[string]Sender),
	}
}

// Start records the router and launches one connection loop per configured
// peer URL. The loops run until ctx is cancelled.
func (m *Manager) Start(ctx context.Context, router *Router, peerURLs []string) {
	m.mu.Lock()
	m.router = router
	m.ctx = ctx
	m.mu.Unlock()
	for _, url := range peerURLs {
		m.EnsurePeer(url)
	}
}

// EnsurePeer adds an outgoing peer for url and starts its connection loop.
// A url already present keeps its existing peer, so discovery callbacks and
// configuration can overlap without leaking duplicate loops.
func (m *Manager) EnsurePeer(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.router == nil || m.ctx == nil {
		m.log.Warn("EnsurePeer before Start, ignoring", zap.String("peer", url))
		return
	}
	if _, ok := m.peers[url]; ok {
		return
	}
	p := newPeer(url, m.cfg, m.router, m.log)
	m.peers[url] = p
	go p.Run(m.ctx)
}

// RegisterSession adds an accepted incoming session to the broadcast set.
func (m *Manager) RegisterSession(s Sender) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	n := len(m.sessions)
	m.mu.Unlock()
	telemetry.SessionsActive.Set(float64(n))
	m.log.Info("incoming peer registered", zap.String("session", s.ID()), zap.Int("sessions", n))
}

// UnregisterSession removes a disconnected session. The far side is
// responsible for reconnecting; nothing is retried here.
func (m *Manager) UnregisterSession(s Sender) {
	m.mu.Lock()
	delete(m.sessions, s.ID())
	n := len(m.sessions)
	m.mu.Unlock()
	telemetry.SessionsActive.Set(float64(n))
	m.log.Info("incoming peer unregistered", zap.String("session", s.ID()), zap.Int("sessions", n))
}

// Broadcast sends f to every peer and session except the one identified as
// the sender. Delivery is best-effort: a failed send is logged and the loop
// moves on to the remaining targets.
func (m *Manager) Broadcast(f proto.Frame, except Sender) {
	m.mu.Lock()
	targets := make([]Sender, 0, len(m.peers)+len(m.sessions))
	for _, p := range m.peers {
		targets = append(targets, p)
	}
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	for _, t := range targets {
		if except != nil && t.ID() == except.ID() {
			continue
		}
		if err := t.Send(f); err != nil {
			if errors.Is(err, ErrNotConnected) {
				// the peer's loop is between reconnect attempts
				continue
			}
			telemetry.SendFailures.WithLabelValues("peer").Inc()
			m.log.Warn("broadcast send failed",
				zap.String("target", t.ID()), zap.Int64("nonce", f.Nonce), zap.Error(err))
		}
	}
}

// Peers returns the number of configured outgoing peers.
func (m *Manager) Peers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Sessions returns the number of live incoming sessions.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
