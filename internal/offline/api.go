package offline

import (
	"context"
	"fmt"

	"github.com/jprofessionals/shopping-list-sub001/internal/model"
)

func (r *Repository) perform(ctx context.Context, op Op, entity Entity, id, parentID string, payload any) (Result, error) {
	m, err := NewMutation(op, entity, id, parentID, payload)
	if err != nil {
		return Result{}, err
	}
	return r.Perform(ctx, m)
}

// The helpers below return a zero entity without error when a change was
// queued for an entity the cache does not hold.

func listOf(res Result, err error) (model.List, error) {
	if err != nil {
		return model.List{}, err
	}
	if res.List == nil {
		if res.Queued {
			return model.List{}, nil
		}
		return model.List{}, fmt.Errorf("no list in response")
	}
	return *res.List, nil
}

func itemOf(res Result, err error) (model.Item, error) {
	if err != nil {
		return model.Item{}, err
	}
	if res.Item == nil {
		if res.Queued {
			return model.Item{}, nil
		}
		return model.Item{}, fmt.Errorf("no item in response")
	}
	return *res.Item, nil
}

func commentOf(res Result, err error) (model.Comment, error) {
	if err != nil {
		return model.Comment{}, err
	}
	if res.Comment == nil {
		if res.Queued {
			return model.Comment{}, nil
		}
		return model.Comment{}, fmt.Errorf("no comment in response")
	}
	return *res.Comment, nil
}

// CreateList returns the created list; while offline it carries a
// placeholder id.
func (r *Repository) CreateList(ctx context.Context, name, householdID string) (model.List, error) {
	return listOf(r.perform(ctx, OpCreate, EntityList, "", "", ListInput{Name: name, HouseholdID: householdID}))
}

func (r *Repository) UpdateList(ctx context.Context, listID, name string) (model.List, error) {
	return listOf(r.perform(ctx, OpUpdate, EntityList, listID, "", ListPatch{Name: name}))
}

func (r *Repository) DeleteList(ctx context.Context, listID string) error {
	_, err := r.perform(ctx, OpDelete, EntityList, listID, "", nil)
	return err
}

func (r *Repository) AddItem(ctx context.Context, listID string, in ItemInput) (model.Item, error) {
	return itemOf(r.perform(ctx, OpCreate, EntityItem, "", listID, in))
}

func (r *Repository) UpdateItem(ctx context.Context, itemID string, patch ItemPatch) (model.Item, error) {
	return itemOf(r.perform(ctx, OpUpdate, EntityItem, itemID, "", patch))
}

func (r *Repository) CheckItem(ctx context.Context, itemID string, checked bool) (model.Item, error) {
	return r.UpdateItem(ctx, itemID, ItemPatch{Checked: &checked})
}

func (r *Repository) DeleteItem(ctx context.Context, itemID string) error {
	_, err := r.perform(ctx, OpDelete, EntityItem, itemID, "", nil)
	return err
}

func (r *Repository) AddComment(ctx context.Context, listID, text string) (model.Comment, error) {
	return commentOf(r.perform(ctx, OpCreate, EntityComment, "", listID, CommentInput{Text: text}))
}

func (r *Repository) UpdateComment(ctx context.Context, commentID, text string) (model.Comment, error) {
	return commentOf(r.perform(ctx, OpUpdate, EntityComment, commentID, "", CommentInput{Text: text}))
}

func (r *Repository) DeleteComment(ctx context.Context, commentID string) error {
	_, err := r.perform(ctx, OpDelete, EntityComment, commentID, "", nil)
	return err
}
