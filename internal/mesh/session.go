package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/floodline/floodline/internal/proto"
)

// Session is one incoming mesh link, created when a remote node passes the
// shared-secret handshake. It is ephemeral: it exists while the connection
// lives and is never redialed from this side.
type Session struct {
	id     string
	router *Router
	log    *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewSession wraps an accepted, already-authenticated websocket.
func NewSession(conn *websocket.Conn, router *Router, log *zap.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		router: router,
		log:    log.Named("session").With(zap.String("session", id)),
	}
}

// ID returns the session's identity for broadcast exclusion.
func (s *Session) ID() string { return s.id }

// Send transmits a frame to the remote node.
func (s *Session) Send(f proto.Frame) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(WriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// Run reads frames until the connection drops, dispatching each to the
// router with this session as sender. The caller registers the session
// with the manager before Run and unregisters after it returns.
func (s *Session) Run(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go keepAlive(ctx, s.conn, done)

	s.conn.SetReadDeadline(time.Now().Add(PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Info("incoming peer disconnected", zap.Error(err))
			}
			return
		}
		s.router.Handle(raw, s)
	}
}

// Close tears the connection down, unblocking Run.
func (s *Session) Close() error {
	return s.conn.Close()
}
