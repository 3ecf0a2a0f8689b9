// Package broker is the publish/subscribe transport between server
// processes. It moves opaque payloads on named channels and knows nothing
// about the application.
package broker

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the broker cannot accept a publish right now.
	ErrUnavailable = errors.New("broker unavailable")
	ErrClosed      = errors.New("broker closed")
)

// Handler receives every message on a subscribed channel. Delivery is at
// least once; the same payload may arrive more than once.
type Handler func(channel string, data []byte)

type Broker interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(channel string) error
	Unsubscribe(channel string) error
	// Run receives messages until ctx is done or the broker is closed.
	Run(ctx context.Context, h Handler) error
	Close() error
}
