// Package bridge connects the local registry to the broker. It holds a
// broker subscription for every target that has at least one local
// subscriber and hands inbound envelopes straight to the registry.
package bridge

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jprofessionals/shopping-list-sub001/internal/broker"
	"github.com/jprofessionals/shopping-list-sub001/internal/envelope"
	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/registry"
)

type Stats struct {
	Channels  int   `json:"channels"`
	Received  int64 `json:"received"`
	Delivered int64 `json:"delivered"`
	Malformed int64 `json:"malformed"`
	// Loopback counts envelopes this process published itself.
	Loopback int64 `json:"loopback"`
}

type Bridge struct {
	registry *registry.Registry
	broker   broker.Broker
	logger   *zap.Logger
	origin   string

	mu     sync.Mutex
	active map[event.Target]struct{}

	received  atomic.Int64
	delivered atomic.Int64
	malformed atomic.Int64
	loopback  atomic.Int64
}

type Option func(*Bridge)

// WithOrigin sets the process id that the local router stamps on its
// envelopes, so that messages coming back from the broker can be told apart.
func WithOrigin(origin string) Option {
	return func(b *Bridge) { b.origin = origin }
}

// New creates a bridge and installs it as the registry listener.
func New(reg *registry.Registry, b broker.Broker, logger *zap.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	br := &Bridge{
		registry: reg,
		broker:   b,
		logger:   logger.Named("bridge"),
		active:   make(map[event.Target]struct{}),
	}
	for _, opt := range opts {
		opt(br)
	}
	reg.SetListener(br)
	return br
}

func (b *Bridge) TargetActivated(target event.Target) {
	if err := b.EnsureSubscribed(target); err != nil {
		b.logger.Warn("subscribe channel", zap.String("channel", target.Channel()), zap.Error(err))
	}
}

func (b *Bridge) TargetReleased(target event.Target) {
	if err := b.EnsureUnsubscribed(target); err != nil {
		b.logger.Warn("unsubscribe channel", zap.String("channel", target.Channel()), zap.Error(err))
	}
}

// EnsureSubscribed and EnsureUnsubscribed both reconcile the broker
// subscription of target against the registry, so a release that overtakes
// its activation still ends in the right state.
func (b *Bridge) EnsureSubscribed(target event.Target) error {
	return b.reconcile(target)
}

func (b *Bridge) EnsureUnsubscribed(target event.Target) error {
	return b.reconcile(target)
}

func (b *Bridge) reconcile(target event.Target) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := b.registry.HasSubscribers(target)
	_, have := b.active[target]
	switch {
	case want && !have:
		if err := b.broker.Subscribe(target.Channel()); err != nil {
			return err
		}
		b.active[target] = struct{}{}
		b.logger.Debug("channel subscribed", zap.String("channel", target.Channel()))
	case !want && have:
		if err := b.broker.Unsubscribe(target.Channel()); err != nil {
			return err
		}
		delete(b.active, target)
		b.logger.Debug("channel unsubscribed", zap.String("channel", target.Channel()))
	}
	return nil
}

// Run receives from the broker until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("bridge started")
	defer b.logger.Info("bridge stopped")
	return b.broker.Run(ctx, b.handle)
}

// handle never publishes: inbound envelopes only reach local connections.
func (b *Bridge) handle(channel string, data []byte) {
	b.received.Add(1)

	env, err := envelope.Unmarshal(data)
	if err != nil {
		b.drop(channel, err)
		return
	}
	if env.Channel != channel {
		b.drop(channel, envelope.ErrMalformed)
		return
	}
	target, ev, err := env.Unwrap()
	if err != nil {
		b.drop(channel, err)
		return
	}

	// The router only publishes to the broker, so its own envelopes are
	// still delivered here.
	if b.origin != "" && env.Origin == b.origin {
		b.loopback.Add(1)
	}

	n := b.registry.DeliverLocal(target, ev, env.ExcludeAccountID)
	b.delivered.Add(int64(n))
	b.logger.Debug("delivered", zap.String("channel", channel), zap.String("origin", env.Origin),
		zap.String("event", ev.ID), zap.Int("connections", n))
}

func (b *Bridge) drop(channel string, err error) {
	b.malformed.Add(1)
	b.logger.Warn("dropping malformed message", zap.String("channel", channel), zap.Error(err))
}

// Channels returns the channels currently held on the broker, sorted.
func (b *Bridge) Channels() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.active))
	for t := range b.active {
		out = append(out, t.Channel())
	}
	b.mu.Unlock()
	sort.Strings(out)
	return out
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	channels := len(b.active)
	b.mu.Unlock()
	return Stats{
		Channels:  channels,
		Received:  b.received.Load(),
		Delivered: b.delivered.Load(),
		Malformed: b.malformed.Load(),
		Loopback:  b.loopback.Load(),
	}
}
