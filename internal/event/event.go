// Package event defines the immutable change notifications fanned out to
// subscribers of a list or household.
//
// The set of kinds is closed. Each kind has exactly one payload type, and
// the payload determines the kind, so an Event can never carry a kind it
// has no payload for. Consumers switch over kinds through Handler, which
// the compiler forces to cover every kind.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jprofessionals/shopping-list-sub001/internal/model"
)

var (
	ErrInvalidTarget = errors.New("invalid event target")
	ErrMissingActor  = errors.New("event actor is required")
	ErrNilPayload    = errors.New("event payload is required")
)

type Actor struct {
	ID          string
	DisplayName string
}

// Payload is implemented only by the payload types of this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

type ItemAdded struct {
	Item model.Item `json:"item"`
}

type ItemUpdated struct {
	Item model.Item `json:"item"`
}

// ItemChecked carries the resulting state rather than a toggle so that
// applying it twice is harmless.
type ItemChecked struct {
	ItemID  string `json:"item_id"`
	ListID  string `json:"list_id"`
	Checked bool   `json:"checked"`
}

type ItemRemoved struct {
	ItemID string `json:"item_id"`
	ListID string `json:"list_id"`
}

type ListCreated struct {
	List model.List `json:"list"`
}

type ListUpdated struct {
	List model.List `json:"list"`
}

type ListDeleted struct {
	ListID      string `json:"list_id"`
	HouseholdID string `json:"household_id,omitempty"`
}

type CommentAdded struct {
	Comment model.Comment `json:"comment"`
}

type CommentUpdated struct {
	Comment model.Comment `json:"comment"`
}

type CommentDeleted struct {
	CommentID string `json:"comment_id"`
	ListID    string `json:"list_id"`
}

func (ItemAdded) Kind() Kind      { return KindItemAdded }
func (ItemUpdated) Kind() Kind    { return KindItemUpdated }
func (ItemChecked) Kind() Kind    { return KindItemChecked }
func (ItemRemoved) Kind() Kind    { return KindItemRemoved }
func (ListCreated) Kind() Kind    { return KindListCreated }
func (ListUpdated) Kind() Kind    { return KindListUpdated }
func (ListDeleted) Kind() Kind    { return KindListDeleted }
func (CommentAdded) Kind() Kind   { return KindCommentAdded }
func (CommentUpdated) Kind() Kind { return KindCommentUpdated }
func (CommentDeleted) Kind() Kind { return KindCommentDeleted }

func (ItemAdded) isPayload()      {}
func (ItemUpdated) isPayload()    {}
func (ItemChecked) isPayload()    {}
func (ItemRemoved) isPayload()    {}
func (ListCreated) isPayload()    {}
func (ListUpdated) isPayload()    {}
func (ListDeleted) isPayload()    {}
func (CommentAdded) isPayload()   {}
func (CommentUpdated) isPayload() {}
func (CommentDeleted) isPayload() {}

// Event is never mutated after construction and may be shared freely
// between goroutines.
type Event struct {
	ID        string
	Target    Target
	Payload   Payload
	Actor     Actor
	Timestamp time.Time
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return 0
	}
	return e.Payload.Kind()
}

// New validates and builds an event. Item and comment events are always
// list-scoped; list lifecycle events may also be household-scoped.
func New(target Target, actor Actor, payload Payload, at time.Time) (Event, error) {
	if payload == nil {
		return Event{}, ErrNilPayload
	}
	if !target.Valid() {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidTarget, target)
	}
	switch payload.Kind() {
	case KindListCreated, KindListUpdated, KindListDeleted:
	default:
		if target.Kind != TargetList {
			return Event{}, fmt.Errorf("%w: %s must target a list", ErrInvalidTarget, payload.Kind())
		}
	}
	if actor.ID == "" {
		return Event{}, ErrMissingActor
	}
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		ID:        uuid.NewString(),
		Target:    target,
		Payload:   payload,
		Actor:     actor,
		Timestamp: at.UTC(),
	}, nil
}

// Retarget returns a copy of e addressed to another target. The event id is
// kept so clients can recognise the same change arriving on two channels.
func (e Event) Retarget(target Target) Event {
	e.Target = target
	return e
}
