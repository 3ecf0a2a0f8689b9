package event

import (
	"errors"
	"fmt"
)

// Kind enumerates every user-visible change that is fanned out to clients.
type Kind int

const (
	KindItemAdded Kind = iota + 1
	KindItemUpdated
	KindItemChecked
	KindItemRemoved
	KindListCreated
	KindListUpdated
	KindListDeleted
	KindCommentAdded
	KindCommentUpdated
	KindCommentDeleted
)

var kindNames = map[Kind]string{
	KindItemAdded:      "item:added",
	KindItemUpdated:    "item:updated",
	KindItemChecked:    "item:checked",
	KindItemRemoved:    "item:removed",
	KindListCreated:    "list:created",
	KindListUpdated:    "list:updated",
	KindListDeleted:    "list:deleted",
	KindCommentAdded:   "comment:added",
	KindCommentUpdated: "comment:updated",
	KindCommentDeleted: "comment:deleted",
}

var ErrUnknownKind = errors.New("unknown event kind")

// AllKinds returns the closed set of kinds in declaration order.
func AllKinds() []Kind {
	kinds := make([]Kind, 0, len(kindNames))
	for k := KindItemAdded; k <= KindCommentDeleted; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

type TargetKind string

const (
	TargetList      TargetKind = "list"
	TargetHousehold TargetKind = "household"
)

func (k TargetKind) Valid() bool {
	return k == TargetList || k == TargetHousehold
}

// Target is the unit of fanout scoping. It is comparable and used as a map key.
type Target struct {
	Kind TargetKind
	ID   string
}

func ListTarget(id string) Target      { return Target{Kind: TargetList, ID: id} }
func HouseholdTarget(id string) Target { return Target{Kind: TargetHousehold, ID: id} }

func (t Target) Valid() bool {
	return t.Kind.Valid() && t.ID != ""
}

// Channel is the broker channel name for the target, e.g. "list:42".
func (t Target) Channel() string {
	return string(t.Kind) + ":" + t.ID
}

func (t Target) String() string { return t.Channel() }

func ParseTarget(kind, id string) (Target, error) {
	t := Target{Kind: TargetKind(kind), ID: id}
	if !t.Valid() {
		return Target{}, fmt.Errorf("invalid target %q/%q", kind, id)
	}
	return t, nil
}
