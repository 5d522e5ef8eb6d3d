package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/floodline/floodline/internal/channel"
	"github.com/floodline/floodline/internal/mesh"
)

// wsClient is one subscriber connection on a channel. Frames are exchanged
// verbatim: whatever a subscriber sends is the channel payload, whatever
// the channel carries is written back as-is.
type wsClient struct {
	id   string
	name string // channel name
	log  *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func newClient(conn *websocket.Conn, channelName string, log *zap.Logger) *wsClient {
	id := uuid.NewString()
	return &wsClient{
		id:   id,
		name: channelName,
		conn: conn,
		log:  log.Named("client").With(zap.String("channel", channelName), zap.String("client", id)),
	}
}

func (c *wsClient) ID() string { return c.id }

// Send implements channel.Subscriber.
func (c *wsClient) Send(payload []byte, isBinary bool) error {
	mt := websocket.TextMessage
	if isBinary {
		mt = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(mesh.WriteWait))
	return c.conn.WriteMessage(mt, payload)
}

// run pumps inbound frames into the channel registry until the connection
// drops. Each frame is fanned out to the other local subscribers and handed
// to the mesh.
func (c *wsClient) run(ctx context.Context, reg *channel.Registry) {
	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(ctx, done)

	c.conn.SetReadDeadline(time.Now().Add(mesh.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(mesh.PongWait))
	})
	for {
		mt, payload, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Info("subscriber disconnected", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		reg.PublishLocal(c.name, payload, mt == websocket.BinaryMessage, c)
	}
}

func (c *wsClient) keepAlive(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(mesh.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(mesh.WriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
