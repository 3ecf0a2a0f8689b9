package offline

import (
	"sort"
	"sync"

	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/model"
)

// Cache is the client's local copy of lists, items and comments. It is safe
// for concurrent use. Applying the same server event twice leaves it in the
// same state as applying it once.
type Cache struct {
	mu       sync.RWMutex
	lists    map[string]model.List
	items    map[string]model.Item
	comments map[string]model.Comment
}

var _ event.Handler = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{
		lists:    make(map[string]model.List),
		items:    make(map[string]model.Item),
		comments: make(map[string]model.Comment),
	}
}

func (c *Cache) PutList(l model.List) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[l.ID] = l
}

func (c *Cache) PutItem(it model.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[it.ID] = it
}

func (c *Cache) PutComment(cm model.Comment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.comments[cm.ID] = cm
}

func (c *Cache) List(id string) (model.List, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.lists[id]
	return l, ok
}

func (c *Cache) Item(id string) (model.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	return it, ok
}

func (c *Cache) Comment(id string) (model.Comment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cm, ok := c.comments[id]
	return cm, ok
}

func (c *Cache) Has(entity Entity, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch entity {
	case EntityList:
		_, ok := c.lists[id]
		return ok
	case EntityItem:
		_, ok := c.items[id]
		return ok
	case EntityComment:
		_, ok := c.comments[id]
		return ok
	}
	return false
}

func (c *Cache) Lists() []model.List {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.List, 0, len(c.lists))
	for _, l := range c.lists {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Cache) Items(listID string) []model.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.Item
	for _, it := range c.items {
		if it.ListID == listID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Cache) Comments(listID string) []model.Comment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.Comment
	for _, cm := range c.comments {
		if cm.ListID == listID {
			out = append(out, cm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Remove deletes an entity. Removing a list also removes its items and
// comments. Removing something absent is a no-op.
func (c *Cache) Remove(entity Entity, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch entity {
	case EntityList:
		c.removeListLocked(id)
	case EntityItem:
		delete(c.items, id)
	case EntityComment:
		delete(c.comments, id)
	}
}

func (c *Cache) removeListLocked(id string) {
	delete(c.lists, id)
	for itemID, it := range c.items {
		if it.ListID == id {
			delete(c.items, itemID)
		}
	}
	for commentID, cm := range c.comments {
		if cm.ListID == id {
			delete(c.comments, commentID)
		}
	}
}

// Rename moves an entity from a placeholder id to its real id. Renaming a
// list re-parents its items and comments.
func (c *Cache) Rename(entity Entity, oldID, newID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch entity {
	case EntityList:
		if l, ok := c.lists[oldID]; ok {
			delete(c.lists, oldID)
			l.ID = newID
			c.lists[newID] = l
		}
		for id, it := range c.items {
			if it.ListID == oldID {
				it.ListID = newID
				c.items[id] = it
			}
		}
		for id, cm := range c.comments {
			if cm.ListID == oldID {
				cm.ListID = newID
				c.comments[id] = cm
			}
		}
	case EntityItem:
		if it, ok := c.items[oldID]; ok {
			delete(c.items, oldID)
			it.ID = newID
			c.items[newID] = it
		}
	case EntityComment:
		if cm, ok := c.comments[oldID]; ok {
			delete(c.comments, oldID)
			cm.ID = newID
			c.comments[newID] = cm
		}
	}
}

// ReplaceItems swaps the cached items of a list for a fresh server copy,
// keeping the ids in keep (entities with unsent local changes).
func (c *Cache) ReplaceItems(listID string, items []model.Item, keep map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, it := range c.items {
		if it.ListID == listID && !keep[id] {
			delete(c.items, id)
		}
	}
	for _, it := range items {
		if keep[it.ID] {
			continue
		}
		c.items[it.ID] = it
	}
}

func (c *Cache) putResult(r Result) {
	switch {
	case r.List != nil:
		c.PutList(*r.List)
	case r.Item != nil:
		c.PutItem(*r.Item)
	case r.Comment != nil:
		c.PutComment(*r.Comment)
	}
}

func (c *Cache) ItemAdded(_ event.Event, p event.ItemAdded) error {
	c.PutItem(p.Item)
	return nil
}

func (c *Cache) ItemUpdated(_ event.Event, p event.ItemUpdated) error {
	c.PutItem(p.Item)
	return nil
}

// ItemChecked sets the flag to the carried state; it never toggles.
func (c *Cache) ItemChecked(_ event.Event, p event.ItemChecked) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[p.ItemID]; ok {
		it.Checked = p.Checked
		c.items[p.ItemID] = it
	}
	return nil
}

func (c *Cache) ItemRemoved(_ event.Event, p event.ItemRemoved) error {
	c.Remove(EntityItem, p.ItemID)
	return nil
}

func (c *Cache) ListCreated(_ event.Event, p event.ListCreated) error {
	c.PutList(p.List)
	return nil
}

func (c *Cache) ListUpdated(_ event.Event, p event.ListUpdated) error {
	c.PutList(p.List)
	return nil
}

func (c *Cache) ListDeleted(_ event.Event, p event.ListDeleted) error {
	c.Remove(EntityList, p.ListID)
	return nil
}

func (c *Cache) CommentAdded(_ event.Event, p event.CommentAdded) error {
	c.PutComment(p.Comment)
	return nil
}

func (c *Cache) CommentUpdated(_ event.Event, p event.CommentUpdated) error {
	c.PutComment(p.Comment)
	return nil
}

func (c *Cache) CommentDeleted(_ event.Event, p event.CommentDeleted) error {
	c.Remove(EntityComment, p.CommentID)
	return nil
}
