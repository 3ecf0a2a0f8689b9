package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jprofessionals/shopping-list-sub001/internal/broker"
	"github.com/jprofessionals/shopping-list-sub001/internal/envelope"
	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/registry"
)

type frameWriter struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *frameWriter) Write(message []byte) error {
	w.mu.Lock()
	w.frames = append(w.frames, message)
	w.mu.Unlock()
	return nil
}

func (w *frameWriter) Close() error { return nil }

func (w *frameWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

type fixture struct {
	reg    *registry.Registry
	broker *broker.MemoryBroker
	bridge *Bridge
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)
	b := broker.NewMemoryBroker()
	br := New(reg, b, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = br.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = b.Close()
	})
	return &fixture{reg: reg, broker: b, bridge: br}
}

func (f *fixture) connect(t *testing.T, account string, targets ...event.Target) *frameWriter {
	t.Helper()
	w := &frameWriter{}
	f.reg.Register(&registry.Connection{ID: account + "-conn", AccountID: account, Writer: w})
	for _, tg := range targets {
		require.True(t, f.reg.Subscribe(account, tg))
	}
	return w
}

func envelopeBytes(t *testing.T, target event.Target, exclude string) []byte {
	t.Helper()
	return envelopeFrom(t, target, exclude, "other-node")
}

func envelopeFrom(t *testing.T, target event.Target, exclude, origin string) []byte {
	t.Helper()
	ev, err := event.New(target, event.Actor{ID: "u1", DisplayName: "Una"},
		event.ItemChecked{ItemID: "i1", ListID: target.ID, Checked: true}, time.Now())
	require.NoError(t, err)
	env, err := envelope.Wrap(target, ev, exclude, origin)
	require.NoError(t, err)
	data, err := envelope.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestBridge_SubscribesWithRegistry(t *testing.T) {
	f := newFixture(t)
	list := event.ListTarget("l1")

	f.connect(t, "u2", list)
	assert.True(t, f.broker.Subscribed("list:l1"))
	assert.Equal(t, []string{"list:l1"}, f.bridge.Channels())

	f.reg.Unsubscribe("u2", list)
	assert.False(t, f.broker.Subscribed("list:l1"))
	assert.Empty(t, f.bridge.Channels())
}

func TestBridge_ReconcileConverges(t *testing.T) {
	f := newFixture(t)
	list := event.ListTarget("l1")

	// A stale release for a target that still has subscribers keeps the channel.
	f.connect(t, "u2", list)
	f.bridge.TargetReleased(list)
	assert.True(t, f.broker.Subscribed("list:l1"))

	// A stale activation for a target nobody follows does not subscribe.
	f.bridge.TargetActivated(event.ListTarget("l2"))
	assert.False(t, f.broker.Subscribed("list:l2"))
}

func TestBridge_DeliversInboundEnvelopes(t *testing.T) {
	f := newFixture(t)
	list := event.ListTarget("l1")
	w := f.connect(t, "u2", list)

	require.NoError(t, f.broker.Publish(context.Background(), "list:l1", envelopeBytes(t, list, "")))
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBridge_HonoursExclusion(t *testing.T) {
	f := newFixture(t)
	list := event.ListTarget("l1")
	excluded := f.connect(t, "u1", list)
	other := f.connect(t, "u2", list)

	require.NoError(t, f.broker.Publish(context.Background(), "list:l1", envelopeBytes(t, list, "u1")))
	require.Eventually(t, func() bool { return other.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, excluded.count())
}

func TestBridge_DropsMalformedMessages(t *testing.T) {
	f := newFixture(t)
	list := event.ListTarget("l1")
	w := f.connect(t, "u2", list)

	ctx := context.Background()
	require.NoError(t, f.broker.Publish(ctx, "list:l1", []byte("not msgpack at all")))
	// Envelope for another channel arriving on list:l1.
	require.NoError(t, f.broker.Publish(ctx, "list:l1", envelopeBytes(t, event.ListTarget("l9"), "")))
	require.NoError(t, f.broker.Publish(ctx, "list:l1", envelopeBytes(t, list, "")))

	// Messages are handled in order, so the valid one lands last.
	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), f.bridge.Stats().Received)
	assert.Equal(t, int64(2), f.bridge.Stats().Malformed)
}

func TestBridge_DuplicatesAreDeliveredAgain(t *testing.T) {
	f := newFixture(t)
	list := event.ListTarget("l1")
	w := f.connect(t, "u2", list)

	data := envelopeBytes(t, list, "")
	require.NoError(t, f.broker.Publish(context.Background(), "list:l1", data))
	require.NoError(t, f.broker.Publish(context.Background(), "list:l1", data))

	require.Eventually(t, func() bool { return f.bridge.Stats().Delivered == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, w.count())
	assert.Equal(t, int64(0), f.bridge.Stats().Malformed)
}

func TestBridge_NoLocalSubscribersMeansNoDelivery(t *testing.T) {
	f := newFixture(t)
	w := f.connect(t, "u2")

	require.NoError(t, f.broker.Subscribe("list:l3"))
	require.NoError(t, f.broker.Publish(context.Background(), "list:l3", envelopeBytes(t, event.ListTarget("l3"), "")))
	require.Eventually(t, func() bool { return f.bridge.Stats().Received == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, w.count())
}

func TestBridge_CountsOwnEnvelopes(t *testing.T) {
	f := newFixture(t, WithOrigin("node-a"))
	list := event.ListTarget("l1")
	w := f.connect(t, "u2", list)

	ctx := context.Background()
	require.NoError(t, f.broker.Publish(ctx, "list:l1", envelopeFrom(t, list, "", "node-a")))
	require.NoError(t, f.broker.Publish(ctx, "list:l1", envelopeFrom(t, list, "", "node-b")))

	// Own envelopes are still delivered; the router relies on the round trip.
	require.Eventually(t, func() bool { return w.count() == 2 }, time.Second, 5*time.Millisecond)
	stats := f.bridge.Stats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(1), stats.Loopback)
}
