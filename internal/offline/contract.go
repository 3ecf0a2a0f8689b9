//go:generate mockgen -destination=mock_contract_test.go -package=${GOPACKAGE} -source=contract.go
package offline

import (
	"context"

	"github.com/jprofessionals/shopping-list-sub001/internal/model"
)

// Result is the server's view of the entity after a mutation. Exactly one
// entity is set for creates and updates; deletes return an empty Result.
type Result struct {
	List    *model.List
	Item    *model.Item
	Comment *model.Comment
	// Queued is set by Repository.Perform when the entity is the optimistic
	// local copy and the change awaits replay.
	Queued bool
}

// ID returns the id of whichever entity is set.
func (r Result) ID() string {
	switch {
	case r.List != nil:
		return r.List.ID
	case r.Item != nil:
		return r.Item.ID
	case r.Comment != nil:
		return r.Comment.ID
	}
	return ""
}

// Remote is the server as seen by the repository.
type Remote interface {
	Apply(ctx context.Context, m Mutation) (Result, error)
	Items(ctx context.Context, listID string) ([]model.Item, error)
	Ping(ctx context.Context) error
}
