package mesh

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/floodline/floodline/internal/dedup"
	"github.com/floodline/floodline/internal/proto"
)

type fakeLink struct {
	id  string
	got []proto.Frame
}

func (l *fakeLink) ID() string { return l.id }

func (l *fakeLink) Send(f proto.Frame) error {
	l.got = append(l.got, f)
	return nil
}

type fakeChannels struct {
	deliveries []string
}

func (c *fakeChannels) Deliver(channel string, payload []byte, _ bool) {
	c.deliveries = append(c.deliveries, channel+":"+string(payload))
}

func newTestRouter(t *testing.T) (*Router, *Manager, *fakeChannels) {
	t.Helper()
	log := zaptest.NewLogger(t)
	cache, err := dedup.New(dedup.DefaultCapacity)
	require.NoError(t, err)
	mgr := NewManager(Config{Secret: "s"}, log)
	ch := &fakeChannels{}
	return NewRouter(cache, mgr, ch, log), mgr, ch
}

func encode(t *testing.T, f proto.Frame) []byte {
	t.Helper()
	raw, err := f.Encode()
	require.NoError(t, err)
	return raw
}

func TestHandleFloodsExcludingSender(t *testing.T) {
	router, mgr, ch := newTestRouter(t)
	a := &fakeLink{id: "a"}
	b := &fakeLink{id: "b"}
	c := &fakeLink{id: "c"}
	mgr.RegisterSession(a)
	mgr.RegisterSession(b)
	mgr.RegisterSession(c)

	raw := encode(t, proto.Frame{Channel: "room", Data: "hi", Nonce: 7})
	router.Handle(raw, a)

	require.Empty(t, a.got, "no echo to sender")
	require.Len(t, b.got, 1)
	require.Len(t, c.got, 1)
	require.Equal(t, []string{"room:hi"}, ch.deliveries)
}

func TestHandleIsIdempotentPerNonce(t *testing.T) {
	router, mgr, ch := newTestRouter(t)
	a := &fakeLink{id: "a"}
	b := &fakeLink{id: "b"}
	mgr.RegisterSession(a)
	mgr.RegisterSession(b)

	raw := encode(t, proto.Frame{Channel: "room", Data: "hi", Nonce: 7})
	router.Handle(raw, a)
	router.Handle(raw, a)

	require.Len(t, b.got, 1, "duplicate nonce must broadcast exactly once")
	require.Len(t, ch.deliveries, 1, "duplicate nonce must deliver locally at most once")
}

func TestPublishSkipsLocalDelivery(t *testing.T) {
	router, mgr, ch := newTestRouter(t)
	a := &fakeLink{id: "a"}
	b := &fakeLink{id: "b"}
	mgr.RegisterSession(a)
	mgr.RegisterSession(b)

	router.Publish("room", []byte("hi"), false)

	require.Len(t, a.got, 1)
	require.Len(t, b.got, 1)
	require.Empty(t, ch.deliveries, "local subscribers already got the payload at publish time")
}

func TestPublishEchoIsSuppressed(t *testing.T) {
	router, mgr, ch := newTestRouter(t)
	a := &fakeLink{id: "a"}
	mgr.RegisterSession(a)

	router.Publish("room", []byte("hi"), false)
	require.Len(t, a.got, 1)

	// The same message loops back through the mesh: same nonce, now with a
	// remote sender. The cache recognizes it.
	echo := a.got[0]
	router.Handle(encode(t, echo), a)

	require.Len(t, a.got, 1, "echo must not be re-flooded")
	require.Empty(t, ch.deliveries, "echo must not reach local subscribers")
}

func TestMalformedFrameIsDiscarded(t *testing.T) {
	router, mgr, ch := newTestRouter(t)
	a := &fakeLink{id: "a"}
	b := &fakeLink{id: "b"}
	mgr.RegisterSession(a)
	mgr.RegisterSession(b)

	router.Handle([]byte(`{"channel":`), a)
	router.Handle([]byte(`{"channel":"room","data":"x","nonce":"tok3n"}`), a)

	require.Empty(t, b.got)
	require.Empty(t, ch.deliveries)

	// The connection-level contract: the sender keeps working afterwards.
	router.Handle(encode(t, proto.Frame{Channel: "room", Data: "ok", Nonce: 9}), a)
	require.Len(t, b.got, 1)
}

func TestBinaryPayloadDeliveredDecoded(t *testing.T) {
	router, mgr, ch := newTestRouter(t)
	a := &fakeLink{id: "a"}
	mgr.RegisterSession(a)

	f := proto.NewFrame("room", []byte{0xde, 0xad}, true)
	router.Handle(encode(t, f), a)

	require.Equal(t, []string{"room:\xde\xad"}, ch.deliveries)
}

func TestUnregisteredSessionStopsReceiving(t *testing.T) {
	router, mgr, _ := newTestRouter(t)
	a := &fakeLink{id: "a"}
	b := &fakeLink{id: "b"}
	mgr.RegisterSession(a)
	mgr.RegisterSession(b)
	require.Equal(t, 2, mgr.Sessions())
	mgr.UnregisterSession(b)
	require.Equal(t, 1, mgr.Sessions())

	router.Publish("room", []byte("hi"), false)
	require.Len(t, a.got, 1)
	require.Empty(t, b.got)
}
