package mesh

import (
	"go.uber.org/zap"

	"github.com/floodline/floodline/internal/dedup"
	"github.com/floodline/floodline/internal/proto"
	"github.com/floodline/floodline/internal/telemetry"
)

// Forwarder hands mesh messages to the local pub/sub side. The channel
// registry implements it; a channel name with no local channel drops the
// payload silently.
type Forwarder interface {
	Deliver(channel string, payload []byte, isBinary bool)
}

// Router is the message-handling core. Every frame — whether it arrived
// from a peer link or originated from a local channel publish — passes
// through here exactly once: dedup, flood to the mesh excluding the sender,
// forward to the matching local channel.
type Router struct {
	log      *zap.Logger
	cache    *dedup.Cache
	mesh     *Manager
	channels Forwarder
}

// NewRouter wires the router. channels may receive deliveries as soon as
// any peer link is live.
func NewRouter(cache *dedup.Cache, mesh *Manager, channels Forwarder, log *zap.Logger) *Router {
	return &Router{
		log:      log.Named("router"),
		cache:    cache,
		mesh:     mesh,
		channels: channels,
	}
}

// Handle processes one raw frame from sender. Malformed frames are logged
// and discarded; nothing here may tear down the connection that delivered
// them.
func (r *Router) Handle(raw []byte, sender Sender) {
	f, err := proto.Decode(raw)
	if err != nil {
		telemetry.MalformedFrames.Inc()
		r.log.Warn("malformed frame discarded",
			zap.String("sender", sender.ID()), zap.Error(err))
		return
	}
	if !r.cache.Add(f.Nonce) {
		telemetry.DuplicatesDropped.Inc()
		return
	}
	telemetry.MessagesRelayed.Inc()
	r.mesh.Broadcast(f, sender)

	payload, err := f.Payload()
	if err != nil {
		r.log.Warn("undecodable payload discarded",
			zap.String("channel", f.Channel), zap.Int64("nonce", f.Nonce), zap.Error(err))
		return
	}
	r.channels.Deliver(f.Channel, payload, f.Binary)
}

// Publish floods a locally originated payload to the mesh. The local
// channel already fanned the payload out synchronously at publish time, so
// there is no local delivery here — but the nonce still enters the cache,
// which makes a later echo of this same message from a peer recognizable
// as a duplicate.
func (r *Router) Publish(channel string, payload []byte, isBinary bool) {
	f := proto.NewFrame(channel, payload, isBinary)
	if !r.cache.Add(f.Nonce) {
		// a fresh random nonce colliding with a cached one; vanishingly rare
		telemetry.DuplicatesDropped.Inc()
		return
	}
	telemetry.MessagesRelayed.Inc()
	r.mesh.Broadcast(f, nil)
}
