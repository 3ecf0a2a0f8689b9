// Package store keeps households, lists, items and comments in memory and
// answers who may see what. Writes can be snapshotted to a JSON state file.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jprofessionals/shopping-list-sub001/internal/event"
	"github.com/jprofessionals/shopping-list-sub001/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid request")
)

type Store struct {
	mu sync.RWMutex

	stateFile string
	persistMu sync.Mutex
	logger    *zap.Logger

	accounts   map[string]model.Account
	households map[string]model.Household
	lists      map[string]model.List
	items      map[string]model.Item
	comments   map[string]model.Comment
}

type Options struct {
	StateFile string
	Logger    *zap.Logger
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		stateFile:  opts.StateFile,
		logger:     logger.Named("store"),
		accounts:   make(map[string]model.Account),
		households: make(map[string]model.Household),
		lists:      make(map[string]model.List),
		items:      make(map[string]model.Item),
		comments:   make(map[string]model.Comment),
	}
	if s.stateFile != "" {
		if err := s.loadFromFile(s.stateFile); err != nil {
			s.logger.Warn("load state failed", zap.String("file", s.stateFile), zap.Error(err))
		}
	}
	return s
}

// write runs fn under the write lock and snapshots the result to the state
// file when fn succeeds.
func (s *Store) write(fn func() error) error {
	s.mu.Lock()
	err := fn()
	var snap *snapshot
	if err == nil && s.stateFile != "" {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()
	if snap != nil {
		s.persistSnapshot(snap)
	}
	return err
}

func (s *Store) touchAccountLocked(acc model.Account) {
	if acc.ID == "" {
		return
	}
	if existing, ok := s.accounts[acc.ID]; ok && (acc.DisplayName == "" || acc.DisplayName == existing.DisplayName) {
		return
	}
	s.accounts[acc.ID] = acc
}

func (s *Store) Account(id string) (model.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	return acc, ok
}

func (s *Store) UpsertAccount(acc model.Account) {
	if acc.ID == "" {
		return
	}
	_ = s.write(func() error {
		s.touchAccountLocked(acc)
		return nil
	})
}

func isMember(h model.Household, accountID string) bool {
	if h.OwnerID == accountID {
		return true
	}
	for _, id := range h.MemberIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

func (s *Store) canAccessListLocked(accountID string, l model.List) bool {
	if l.OwnerID == accountID {
		return true
	}
	if l.HouseholdID == "" {
		return false
	}
	h, ok := s.households[l.HouseholdID]
	return ok && isMember(h, accountID)
}

// listLocked returns the list if it exists and accountID may see it. Lists
// the account cannot see are reported as missing.
func (s *Store) listLocked(accountID, listID string) (model.List, error) {
	l, ok := s.lists[listID]
	if !ok || !s.canAccessListLocked(accountID, l) {
		return model.List{}, ErrNotFound
	}
	return l, nil
}

func (s *Store) CanAccess(accountID string, target event.Target) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch target.Kind {
	case event.TargetList:
		_, err := s.listLocked(accountID, target.ID)
		return err == nil
	case event.TargetHousehold:
		h, ok := s.households[target.ID]
		return ok && isMember(h, accountID)
	}
	return false
}

// TargetsFor returns every household and list accountID can see, sorted by
// channel name.
func (s *Store) TargetsFor(accountID string) []event.Target {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Target
	for _, h := range s.households {
		if isMember(h, accountID) {
			out = append(out, event.HouseholdTarget(h.ID))
		}
	}
	for _, l := range s.lists {
		if s.canAccessListLocked(accountID, l) {
			out = append(out, event.ListTarget(l.ID))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel() < out[j].Channel() })
	return out
}

// Households

func (s *Store) CreateHousehold(owner model.Account, name string, nowMillis int64) (model.Household, error) {
	name = strings.TrimSpace(name)
	if owner.ID == "" || name == "" {
		return model.Household{}, ErrInvalid
	}
	h := model.Household{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   owner.ID,
		MemberIDs: []string{},
		CreatedAt: nowMillis,
	}
	err := s.write(func() error {
		s.touchAccountLocked(owner)
		s.households[h.ID] = h
		return nil
	})
	return h, err
}

// AddHouseholdMember lets the owner add memberID. Adding an existing member
// is not an error.
func (s *Store) AddHouseholdMember(actor model.Account, householdID, memberID string) (model.Household, error) {
	if memberID == "" {
		return model.Household{}, ErrInvalid
	}
	var out model.Household
	err := s.write(func() error {
		h, ok := s.households[householdID]
		if !ok || !isMember(h, actor.ID) {
			return ErrNotFound
		}
		if h.OwnerID != actor.ID {
			return ErrForbidden
		}
		s.touchAccountLocked(actor)
		if !isMember(h, memberID) {
			members := append(append([]string(nil), h.MemberIDs...), memberID)
			sort.Strings(members)
			h.MemberIDs = members
			s.households[h.ID] = h
		}
		out = h
		return nil
	})
	return out, err
}

func (s *Store) Household(accountID, householdID string) (model.Household, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.households[householdID]
	if !ok || !isMember(h, accountID) {
		return model.Household{}, ErrNotFound
	}
	return h, nil
}

// Lists

func (s *Store) CreateList(actor model.Account, name, householdID string, nowMillis int64) (model.List, error) {
	name = strings.TrimSpace(name)
	if actor.ID == "" || name == "" {
		return model.List{}, ErrInvalid
	}
	l := model.List{
		ID:          uuid.NewString(),
		Name:        name,
		OwnerID:     actor.ID,
		HouseholdID: householdID,
		CreatedAt:   nowMillis,
		UpdatedAt:   nowMillis,
	}
	err := s.write(func() error {
		if householdID != "" {
			h, ok := s.households[householdID]
			if !ok || !isMember(h, actor.ID) {
				return ErrNotFound
			}
		}
		s.touchAccountLocked(actor)
		s.lists[l.ID] = l
		return nil
	})
	if err != nil {
		return model.List{}, err
	}
	return l, nil
}

func (s *Store) UpdateList(actor model.Account, listID, name string, nowMillis int64) (model.List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.List{}, ErrInvalid
	}
	var out model.List
	err := s.write(func() error {
		l, err := s.listLocked(actor.ID, listID)
		if err != nil {
			return err
		}
		l.Name = name
		l.UpdatedAt = nowMillis
		s.lists[l.ID] = l
		out = l
		return nil
	})
	return out, err
}

// DeleteList removes the list with its items and comments. Only the owner
// may delete.
func (s *Store) DeleteList(actor model.Account, listID string) (model.List, error) {
	var out model.List
	err := s.write(func() error {
		l, err := s.listLocked(actor.ID, listID)
		if err != nil {
			return err
		}
		if l.OwnerID != actor.ID {
			return ErrForbidden
		}
		delete(s.lists, l.ID)
		for id, it := range s.items {
			if it.ListID == l.ID {
				delete(s.items, id)
			}
		}
		for id, c := range s.comments {
			if c.ListID == l.ID {
				delete(s.comments, id)
			}
		}
		out = l
		return nil
	})
	return out, err
}

func (s *Store) List(accountID, listID string) (model.List, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(accountID, listID)
}

func (s *Store) ListsFor(accountID string) []model.List {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.List, 0)
	for _, l := range s.lists {
		if s.canAccessListLocked(accountID, l) {
			result = append(result, l)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt == result[j].UpdatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt > result[j].UpdatedAt
	})
	return result
}

// Items

type ItemInput struct {
	Name     string
	Quantity float64
	Unit     string
}

// ItemPatch carries the fields to change; nil means unchanged.
type ItemPatch struct {
	Name     *string
	Quantity *float64
	Unit     *string
	Checked  *bool
}

// OnlyChecked reports whether the patch toggles the checked state and
// nothing else.
func (p ItemPatch) OnlyChecked() bool {
	return p.Checked != nil && p.Name == nil && p.Quantity == nil && p.Unit == nil
}

func (s *Store) AddItem(actor model.Account, listID string, in ItemInput, nowMillis int64) (model.Item, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" || in.Quantity < 0 {
		return model.Item{}, ErrInvalid
	}
	it := model.Item{
		ID:        uuid.NewString(),
		ListID:    listID,
		Name:      in.Name,
		Quantity:  in.Quantity,
		Unit:      in.Unit,
		CreatedBy: actor.ID,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	err := s.write(func() error {
		if _, err := s.listLocked(actor.ID, listID); err != nil {
			return err
		}
		s.touchAccountLocked(actor)
		s.items[it.ID] = it
		return nil
	})
	if err != nil {
		return model.Item{}, err
	}
	return it, nil
}

func (s *Store) UpdateItem(actor model.Account, itemID string, patch ItemPatch, nowMillis int64) (model.Item, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return model.Item{}, ErrInvalid
	}
	if patch.Quantity != nil && *patch.Quantity < 0 {
		return model.Item{}, ErrInvalid
	}
	var out model.Item
	err := s.write(func() error {
		it, ok := s.items[itemID]
		if !ok {
			return ErrNotFound
		}
		if _, err := s.listLocked(actor.ID, it.ListID); err != nil {
			return err
		}
		if patch.Name != nil {
			it.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Quantity != nil {
			it.Quantity = *patch.Quantity
		}
		if patch.Unit != nil {
			it.Unit = *patch.Unit
		}
		if patch.Checked != nil {
			it.Checked = *patch.Checked
		}
		it.UpdatedAt = nowMillis
		s.items[it.ID] = it
		out = it
		return nil
	})
	return out, err
}

func (s *Store) DeleteItem(actor model.Account, itemID string) (model.Item, error) {
	var out model.Item
	err := s.write(func() error {
		it, ok := s.items[itemID]
		if !ok {
			return ErrNotFound
		}
		if _, err := s.listLocked(actor.ID, it.ListID); err != nil {
			return err
		}
		delete(s.items, it.ID)
		out = it
		return nil
	})
	return out, err
}

func (s *Store) Items(accountID, listID string) ([]model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.listLocked(accountID, listID); err != nil {
		return nil, err
	}
	result := make([]model.Item, 0)
	for _, it := range s.items {
		if it.ListID == listID {
			result = append(result, it)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt == result[j].CreatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt < result[j].CreatedAt
	})
	return result, nil
}

// Comments

func (s *Store) AddComment(actor model.Account, listID, text string, nowMillis int64) (model.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Comment{}, ErrInvalid
	}
	c := model.Comment{
		ID:         uuid.NewString(),
		ListID:     listID,
		AuthorID:   actor.ID,
		AuthorName: actor.DisplayName,
		Text:       text,
		CreatedAt:  nowMillis,
		UpdatedAt:  nowMillis,
	}
	err := s.write(func() error {
		if _, err := s.listLocked(actor.ID, listID); err != nil {
			return err
		}
		s.touchAccountLocked(actor)
		s.comments[c.ID] = c
		return nil
	})
	if err != nil {
		return model.Comment{}, err
	}
	return c, nil
}

// UpdateComment is limited to the author.
func (s *Store) UpdateComment(actor model.Account, commentID, text string, nowMillis int64) (model.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Comment{}, ErrInvalid
	}
	var out model.Comment
	err := s.write(func() error {
		c, ok := s.comments[commentID]
		if !ok {
			return ErrNotFound
		}
		if _, err := s.listLocked(actor.ID, c.ListID); err != nil {
			return err
		}
		if c.AuthorID != actor.ID {
			return ErrForbidden
		}
		c.Text = text
		c.UpdatedAt = nowMillis
		s.comments[c.ID] = c
		out = c
		return nil
	})
	return out, err
}

// DeleteComment is allowed for the author and the list owner.
func (s *Store) DeleteComment(actor model.Account, commentID string) (model.Comment, error) {
	var out model.Comment
	err := s.write(func() error {
		c, ok := s.comments[commentID]
		if !ok {
			return ErrNotFound
		}
		l, err := s.listLocked(actor.ID, c.ListID)
		if err != nil {
			return err
		}
		if c.AuthorID != actor.ID && l.OwnerID != actor.ID {
			return ErrForbidden
		}
		delete(s.comments, c.ID)
		out = c
		return nil
	})
	return out, err
}

func (s *Store) Comments(accountID, listID string) ([]model.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.listLocked(accountID, listID); err != nil {
		return nil, err
	}
	result := make([]model.Comment, 0)
	for _, c := range s.comments {
		if c.ListID == listID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt == result[j].CreatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt < result[j].CreatedAt
	})
	return result, nil
}
