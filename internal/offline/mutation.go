// Package offline lets a client keep working without a connection.
//
// Every write goes through Repository.Perform. When the server is reachable
// the authoritative response lands in the local Cache. When it is not, the
// change is applied optimistically and appended to a durable queue, and
// ReplayPending sends it once connectivity returns. Entities created while
// offline carry a placeholder id until the server assigns the real one.
package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (o Op) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

type Entity string

const (
	EntityList    Entity = "list"
	EntityItem    Entity = "item"
	EntityComment Entity = "comment"
)

func (e Entity) Valid() bool {
	return e == EntityList || e == EntityItem || e == EntityComment
}

const placeholderPrefix = "local-"

// ErrUnknownEntity is returned for a placeholder id that no longer refers to
// anything, typically because its create was rejected for good.
var ErrUnknownEntity = errors.New("unknown local entity")

func NewPlaceholderID() string {
	return placeholderPrefix + uuid.NewString()
}

func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}

// Payloads carried by mutations. They double as the REST request bodies.

type ListInput struct {
	Name        string `json:"name"`
	HouseholdID string `json:"household_id,omitempty"`
}

type ListPatch struct {
	Name string `json:"name"`
}

type ItemInput struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity,omitempty"`
	Unit     string  `json:"unit,omitempty"`
}

type ItemPatch struct {
	Name     *string  `json:"name,omitempty"`
	Quantity *float64 `json:"quantity,omitempty"`
	Unit     *string  `json:"unit,omitempty"`
	Checked  *bool    `json:"checked,omitempty"`
}

type CommentInput struct {
	Text string `json:"text"`
}

// Mutation is one intended change. EntityID is empty for creates; ParentID
// is the list of an item or comment.
type Mutation struct {
	Op       Op
	Entity   Entity
	EntityID string
	ParentID string
	Payload  json.RawMessage
}

func NewMutation(op Op, entity Entity, entityID, parentID string, payload any) (Mutation, error) {
	m := Mutation{Op: op, Entity: entity, EntityID: entityID, ParentID: parentID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Mutation{}, fmt.Errorf("marshal %s %s payload: %w", op, entity, err)
		}
		m.Payload = data
	}
	return m, m.Validate()
}

func (m Mutation) Validate() error {
	if !m.Op.Valid() {
		return fmt.Errorf("invalid op %q", m.Op)
	}
	if !m.Entity.Valid() {
		return fmt.Errorf("invalid entity %q", m.Entity)
	}
	if m.Op != OpCreate && m.EntityID == "" {
		return fmt.Errorf("%s %s needs an entity id", m.Op, m.Entity)
	}
	if m.Op == OpCreate && m.Entity != EntityList && m.ParentID == "" {
		return fmt.Errorf("create %s needs a list id", m.Entity)
	}
	if m.Op != OpDelete && len(m.Payload) == 0 {
		return fmt.Errorf("%s %s needs a payload", m.Op, m.Entity)
	}
	return nil
}

func (m Mutation) key() string {
	return entityKey(m.Entity, m.EntityID)
}

func entityKey(entity Entity, id string) string {
	return string(entity) + ":" + id
}

// QueueEntry is a persisted mutation awaiting replay.
type QueueEntry struct {
	Seq           int64           `db:"seq"`
	Op            Op              `db:"op"`
	Entity        Entity          `db:"entity"`
	EntityID      string          `db:"entity_id"`
	ParentID      string          `db:"parent_id"`
	Payload       json.RawMessage `db:"payload"`
	CreatedAt     int64           `db:"created_at"`
	Attempts      int             `db:"attempts"`
	LastError     string          `db:"last_error"`
	NextAttemptAt int64           `db:"next_attempt_at"`
}

func (e QueueEntry) Mutation() Mutation {
	return Mutation{Op: e.Op, Entity: e.Entity, EntityID: e.EntityID, ParentID: e.ParentID, Payload: e.Payload}
}

func (e QueueEntry) Due(now time.Time) bool {
	return e.NextAttemptAt <= now.UnixMilli()
}

func (e QueueEntry) key() string {
	return entityKey(e.Entity, e.EntityID)
}
