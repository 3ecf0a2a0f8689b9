package event

import "fmt"

// Handler has one method per kind. Implementations that miss a kind do not
// compile.
type Handler interface {
	ItemAdded(e Event, p ItemAdded) error
	ItemUpdated(e Event, p ItemUpdated) error
	ItemChecked(e Event, p ItemChecked) error
	ItemRemoved(e Event, p ItemRemoved) error
	ListCreated(e Event, p ListCreated) error
	ListUpdated(e Event, p ListUpdated) error
	ListDeleted(e Event, p ListDeleted) error
	CommentAdded(e Event, p CommentAdded) error
	CommentUpdated(e Event, p CommentUpdated) error
	CommentDeleted(e Event, p CommentDeleted) error
}

func Dispatch(e Event, h Handler) error {
	switch p := e.Payload.(type) {
	case ItemAdded:
		return h.ItemAdded(e, p)
	case ItemUpdated:
		return h.ItemUpdated(e, p)
	case ItemChecked:
		return h.ItemChecked(e, p)
	case ItemRemoved:
		return h.ItemRemoved(e, p)
	case ListCreated:
		return h.ListCreated(e, p)
	case ListUpdated:
		return h.ListUpdated(e, p)
	case ListDeleted:
		return h.ListDeleted(e, p)
	case CommentAdded:
		return h.CommentAdded(e, p)
	case CommentUpdated:
		return h.CommentUpdated(e, p)
	case CommentDeleted:
		return h.CommentDeleted(e, p)
	default:
		return fmt.Errorf("%w: payload %T", ErrUnknownKind, e.Payload)
	}
}
