// Package envelope wraps events for transport between server processes.
package envelope

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jprofessionals/shopping-list-sub001/internal/event"
)

var ErrMalformed = errors.New("malformed envelope")

type Envelope struct {
	Channel          string `msgpack:"channel"`
	TargetKind       string `msgpack:"target_kind"`
	TargetID         string `msgpack:"target_id"`
	ExcludeAccountID string `msgpack:"exclude_account_id,omitempty"`
	Origin           string `msgpack:"origin,omitempty"`
	Event            []byte `msgpack:"event"`
}

// Wrap serializes e (as its client frame) into an envelope for target.
func Wrap(target event.Target, e event.Event, excludeAccountID, origin string) (Envelope, error) {
	if !target.Valid() {
		return Envelope{}, fmt.Errorf("%w: %v", event.ErrInvalidTarget, target)
	}
	data, err := event.Encode(e)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Channel:          target.Channel(),
		TargetKind:       string(target.Kind),
		TargetID:         target.ID,
		ExcludeAccountID: excludeAccountID,
		Origin:           origin,
		Event:            data,
	}, nil
}

func (e Envelope) Target() (event.Target, error) {
	return event.ParseTarget(e.TargetKind, e.TargetID)
}

// Unwrap validates the envelope and decodes the inner event.
func (e Envelope) Unwrap() (event.Target, event.Event, error) {
	target, err := e.Target()
	if err != nil {
		return event.Target{}, event.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Channel != target.Channel() {
		return event.Target{}, event.Event{}, fmt.Errorf("%w: channel %q does not match target %s", ErrMalformed, e.Channel, target)
	}
	ev, err := event.Decode(e.Event)
	if err != nil {
		return event.Target{}, event.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return target, ev, nil
}

func Marshal(e Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e, nil
}
