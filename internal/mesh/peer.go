package mesh

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/floodline/floodline/internal/proto"
	"github.com/floodline/floodline/internal/telemetry"
)

// ErrNotConnected is returned by Peer.Send while the connection loop is
// between attempts.
var ErrNotConnected = errors.New("mesh: peer not connected")

// Peer is one outgoing mesh link. Its identity is the configured URL; the
// underlying websocket is replaced on every reconnect while the Peer itself
// lives for the process lifetime, so the manager's bookkeeping never leaks
// duplicate entries.
type Peer struct {
	url    string
	cfg    Config
	router *Router
	log    *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func newPeer(url string, cfg Config, router *Router, log *zap.Logger) *Peer {
	return &Peer{
		url:    url,
		cfg:    cfg,
		router: router,
		log:    log.Named("peer").With(zap.String("peer", url)),
	}
}

// ID returns the peer's stable identity.
func (p *Peer) ID() string { return p.url }

// Send transmits a frame if the peer is currently connected.
func (p *Peer) Send(f proto.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNotConnected
	}
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	p.conn.SetWriteDeadline(time.Now().Add(WriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, raw)
}

// Run is the connection state machine: dial, pump until the link drops,
// back off a fixed interval, dial again. The peer address is never
// abandoned; cancellation of ctx is the only exit.
//
// The backoff is deliberately fixed and unjittered. Fine for small meshes;
// add jitter here if simultaneous reconnect storms ever become a problem.
func (p *Peer) Run(ctx context.Context) {
	for {
		conn, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("connect failed", zap.Error(err))
		} else {
			p.log.Info("connected")
			telemetry.PeersConnected.Inc()
			p.setConn(conn)
			p.pump(ctx, conn)
			p.setConn(nil)
			conn.Close()
			telemetry.PeersConnected.Dec()
			p.log.Warn("disconnected, waiting to reconnect",
				zap.Duration("backoff", p.cfg.Backoff))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.Backoff):
		}
	}
}

func (p *Peer) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: p.cfg.DialTimeout}
	header := http.Header{"Authorization": []string{p.cfg.Secret}}
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, p.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (p *Peer) setConn(conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
}

// pump reads frames until the link errors, dispatching each to the router
// with this peer as sender. It returns when the connection dies or ctx is
// cancelled.
func (p *Peer) pump(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go keepAlive(ctx, conn, done)

	conn.SetReadDeadline(time.Now().Add(PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.log.Debug("read ended", zap.Error(err))
			}
			return
		}
		p.router.Handle(raw, p)
	}
}

// keepAlive pings the connection every heartbeat interval and force-closes
// it when ctx is cancelled, which unblocks the blocked read.
func keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
