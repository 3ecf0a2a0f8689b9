package event

// Frame types exchanged on the websocket besides event frames.
const (
	FrameTypeReady        = "ready"
	FrameTypeSubscribe    = "subscribe"
	FrameTypeUnsubscribe  = "unsubscribe"
	FrameTypeSubscribed   = "subscribed"
	FrameTypeUnsubscribed = "unsubscribed"
	FrameTypePing         = "ping"
	FrameTypePong         = "pong"
	FrameTypeError        = "error"
)

type TargetRef struct {
	TargetKind string `json:"target_kind"`
	TargetID   string `json:"target_id"`
}

func RefOf(t Target) TargetRef {
	return TargetRef{TargetKind: string(t.Kind), TargetID: t.ID}
}

func (r TargetRef) Target() (Target, error) {
	return ParseTarget(r.TargetKind, r.TargetID)
}

// ControlFrame covers every non-event frame in both directions. Fields not
// used by a frame type are omitted.
type ControlFrame struct {
	Type          string      `json:"type"`
	TargetKind    string      `json:"target_kind,omitempty"`
	TargetID      string      `json:"target_id,omitempty"`
	ConnectionID  string      `json:"connection_id,omitempty"`
	Subscriptions []TargetRef `json:"subscriptions,omitempty"`
	Message       string      `json:"message,omitempty"`
}

func (f ControlFrame) Ref() TargetRef {
	return TargetRef{TargetKind: f.TargetKind, TargetID: f.TargetID}
}
