// Package broadcast delivers events to every subscriber of a target, on
// this process and on every other process sharing the broker.
package broadcast

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jprofessionals/shopping-list-sub001/internal/broker"
	"github.com/jprofessionals/shopping-list-sub001/internal/envelope"
	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/registry"
)

const DefaultPublishTimeout = 2 * time.Second

type Stats struct {
	Published int64 `json:"published"`
	Fallbacks int64 `json:"fallbacks"`
	Dropped   int64 `json:"dropped"`
}

type Router struct {
	registry   *registry.Registry
	broker     broker.Broker
	dispatcher *Dispatcher
	logger     *zap.Logger

	timeout time.Duration
	origin  string

	published atomic.Int64
	fallbacks atomic.Int64
}

type Option func(*Router)

func WithPublishTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithOrigin stamps outgoing envelopes with the id of this process.
func WithOrigin(origin string) Option {
	return func(r *Router) { r.origin = origin }
}

func NewRouter(reg *registry.Registry, b broker.Broker, d *Dispatcher, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		registry:   reg,
		broker:     b,
		dispatcher: d,
		logger:     logger.Named("router"),
		timeout:    DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish hands the event to the dispatcher and returns at once. On success
// the local copy arrives through the bridge like every other process's; if
// the broker refuses the publish, the event is delivered to local
// subscribers directly and other processes miss it.
func (r *Router) Publish(target event.Target, e event.Event, excludeAccountID string) error {
	if !target.Valid() {
		return event.ErrInvalidTarget
	}
	err := r.dispatcher.Submit(func(ctx context.Context) {
		r.publish(ctx, target, e, excludeAccountID)
	})
	if err != nil {
		r.logger.Warn("fanout not scheduled",
			zap.String("target", target.Channel()), zap.String("kind", e.Kind().String()), zap.Error(err))
	}
	return err
}

func (r *Router) publish(ctx context.Context, target event.Target, e event.Event, excludeAccountID string) {
	env, err := envelope.Wrap(target, e, excludeAccountID, r.origin)
	if err != nil {
		r.logger.Error("wrap event", zap.String("target", target.Channel()), zap.Error(err))
		return
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		r.logger.Error("marshal envelope", zap.String("target", target.Channel()), zap.Error(err))
		return
	}

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	err = r.broker.Publish(pctx, env.Channel, data)
	cancel()
	if err == nil {
		r.published.Add(1)
		return
	}

	r.fallbacks.Add(1)
	level := zap.WarnLevel
	if errors.Is(err, broker.ErrClosed) {
		level = zap.DebugLevel
	}
	r.logger.Check(level, "broker publish failed, delivering locally").Write(
		zap.String("target", target.Channel()), zap.Error(err))
	r.registry.DeliverLocal(target, e, excludeAccountID)
}

// Notify routes e to its own target and, for list lifecycle events of a
// household list, to the household as well.
func (r *Router) Notify(e event.Event, excludeAccountID string) error {
	err := r.Publish(e.Target, e, excludeAccountID)
	if e.Target.Kind != event.TargetList {
		return err
	}
	if hh := householdOf(e.Payload); hh != "" {
		household := event.HouseholdTarget(hh)
		if herr := r.Publish(household, e.Retarget(household), excludeAccountID); err == nil {
			err = herr
		}
	}
	return err
}

func householdOf(p event.Payload) string {
	switch p := p.(type) {
	case event.ListCreated:
		return p.List.HouseholdID
	case event.ListUpdated:
		return p.List.HouseholdID
	case event.ListDeleted:
		return p.HouseholdID
	}
	return ""
}

func (r *Router) Stats() Stats {
	return Stats{
		Published: r.published.Load(),
		Fallbacks: r.fallbacks.Load(),
		Dropped:   r.dispatcher.Dropped(),
	}
}
