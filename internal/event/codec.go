package event

import (
	"encoding/json"
	"fmt"
	"time"
)

const FrameTypeEvent = "event"

type wireActor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Frame is the server-to-client representation of an event.
type Frame struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	TargetKind string          `json:"target_kind"`
	TargetID   string          `json:"target_id"`
	Payload    json.RawMessage `json:"payload"`
	Actor      wireActor       `json:"actor"`
	Timestamp  time.Time       `json:"timestamp"`
}

func Encode(e Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrNilPayload
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(Frame{
		Type:       FrameTypeEvent,
		ID:         e.ID,
		Kind:       e.Kind().String(),
		TargetKind: string(e.Target.Kind),
		TargetID:   e.Target.ID,
		Payload:    payload,
		Actor:      wireActor{ID: e.Actor.ID, DisplayName: e.Actor.DisplayName},
		Timestamp:  e.Timestamp,
	})
}

func Decode(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("decode event frame: %w", err)
	}
	return FromFrame(f)
}

func FromFrame(f Frame) (Event, error) {
	kind, err := ParseKind(f.Kind)
	if err != nil {
		return Event{}, err
	}
	target, err := ParseTarget(f.TargetKind, f.TargetID)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	payload, err := decodePayload(kind, f.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        f.ID,
		Target:    target,
		Payload:   payload,
		Actor:     Actor{ID: f.Actor.ID, DisplayName: f.Actor.DisplayName},
		Timestamp: f.Timestamp,
	}, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, ErrNilPayload
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindItemAdded:
		var v ItemAdded
		err = json.Unmarshal(raw, &v)
		p = v
	case KindItemUpdated:
		var v ItemUpdated
		err = json.Unmarshal(raw, &v)
		p = v
	case KindItemChecked:
		var v ItemChecked
		err = json.Unmarshal(raw, &v)
		p = v
	case KindItemRemoved:
		var v ItemRemoved
		err = json.Unmarshal(raw, &v)
		p = v
	case KindListCreated:
		var v ListCreated
		err = json.Unmarshal(raw, &v)
		p = v
	case KindListUpdated:
		var v ListUpdated
		err = json.Unmarshal(raw, &v)
		p = v
	case KindListDeleted:
		var v ListDeleted
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCommentAdded:
		var v CommentAdded
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCommentUpdated:
		var v CommentUpdated
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCommentDeleted:
		var v CommentDeleted
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
