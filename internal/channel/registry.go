// Package channel implements the local pub/sub side of a node: named
// channels, each holding the set of local subscriber connections and the
// shared secret bound when the channel was first created.
//
// Channel names are mesh-wide (they route relayed messages) but membership
// and secret are local to one node. A channel exists only while it has
// subscribers: the last leave deletes it and frees the name for re-creation
// with a different secret.
package channel

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/floodline/floodline/internal/telemetry"
)

// ErrBadSecret is returned when a joiner's secret does not match the one
// the channel was created with. Callers surface it as access denied.
var ErrBadSecret = errors.New("channel: secret mismatch")

// Subscriber is one local client connection attached to a channel.
type Subscriber interface {
	ID() string
	// Send delivers a channel payload. isBinary selects the websocket
	// message type on the far end.
	Send(payload []byte, isBinary bool) error
}

// Publisher propagates locally published payloads to the rest of the mesh.
// The relay router implements it.
type Publisher interface {
	Publish(channel string, payload []byte, isBinary bool)
}

// Channel is a named group of local subscribers sharing a secret.
type Channel struct {
	name   string
	secret string
	subs   map[string]Subscriber
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Registry maps channel names to live channels. All mutation goes through
// the registry mutex; fan-out happens on a snapshot outside the lock.
type Registry struct {
	log *zap.Logger

	mu       sync.Mutex
	channels map[string]*Channel
	pub      Publisher
}

// NewRegistry creates an empty registry. Bind attaches the mesh publisher
// before any traffic flows.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:      log.Named("channel"),
		channels: make(map[string]*Channel),
	}
}

// Bind attaches the publisher used by PublishLocal. Called once at wiring
// time, before the registry receives traffic.
func (r *Registry) Bind(pub Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pub = pub
}

// Authorize reports whether joining name with secret would be admitted
// right now. It exists so the HTTP layer can reject with a forbidden
// response before upgrading the connection; Join re-checks atomically.
func (r *Registry) Authorize(name, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.channels[name]; ok && c.secret != secret {
		return ErrBadSecret
	}
	return nil
}

// Join attaches sub to the named channel. An unknown name creates the
// channel bound to this secret; an existing one admits the subscriber only
// if the secret matches.
func (r *Registry) Join(name, secret string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[name]
	if !ok {
		c = &Channel{name: name, secret: secret, subs: make(map[string]Subscriber)}
		r.channels[name] = c
		telemetry.ChannelsActive.Inc()
		r.log.Info("channel created", zap.String("channel", name))
	} else if c.secret != secret {
		return ErrBadSecret
	}
	c.subs[sub.ID()] = sub
	telemetry.Subscribers.Inc()
	r.log.Info("subscriber joined",
		zap.String("channel", name), zap.Int("subscribers", len(c.subs)))
	return nil
}

// Leave detaches sub from the named channel. When the last subscriber
// leaves, the channel is deleted and its name becomes available for fresh
// creation with a new secret.
func (r *Registry) Leave(name string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[name]
	if !ok {
		return
	}
	if _, ok := c.subs[sub.ID()]; !ok {
		return
	}
	delete(c.subs, sub.ID())
	telemetry.Subscribers.Dec()
	if len(c.subs) == 0 {
		delete(r.channels, name)
		telemetry.ChannelsActive.Dec()
		r.log.Info("channel empty, removing", zap.String("channel", name))
		return
	}
	r.log.Info("subscriber left",
		zap.String("channel", name), zap.Int("subscribers", len(c.subs)))
}

// PublishLocal fans payload out to every subscriber of name except from,
// then hands the payload to the mesh publisher so it floods to other nodes.
func (r *Registry) PublishLocal(name string, payload []byte, isBinary bool, from Subscriber) {
	r.fanout(name, payload, isBinary, from)

	r.mu.Lock()
	pub := r.pub
	r.mu.Unlock()
	if pub != nil {
		pub.Publish(name, payload, isBinary)
	}
}

// Deliver is the hook the relay router calls for messages arriving from
// the mesh. A name with no local channel silently drops the payload.
func (r *Registry) Deliver(name string, payload []byte, isBinary bool) {
	r.fanout(name, payload, isBinary, nil)
}

func (r *Registry) fanout(name string, payload []byte, isBinary bool, except Subscriber) {
	r.mu.Lock()
	c, ok := r.channels[name]
	var targets []Subscriber
	if ok {
		targets = make([]Subscriber, 0, len(c.subs))
		for _, s := range c.subs {
			if except != nil && s.ID() == except.ID() {
				continue
			}
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.Send(payload, isBinary); err != nil {
			telemetry.SendFailures.WithLabelValues("subscriber").Inc()
			r.log.Warn("send to subscriber failed",
				zap.String("channel", name), zap.String("subscriber", s.ID()), zap.Error(err))
		}
	}
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
