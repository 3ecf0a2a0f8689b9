package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jprofessionals/shopping-list-sub001/internal/model"
)

const stateVersion = 1

type snapshot struct {
	Version    int               `json:"version"`
	Accounts   []model.Account   `json:"accounts"`
	Households []model.Household `json:"households"`
	Lists      []model.List      `json:"lists"`
	Items      []model.Item      `json:"items"`
	Comments   []model.Comment   `json:"comments"`
	SavedAt    int64             `json:"saved_at"`
}

func (s *Store) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file snapshot
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != stateVersion {
		return errors.New("unsupported state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range file.Accounts {
		if a.ID != "" {
			s.accounts[a.ID] = a
		}
	}
	for _, h := range file.Households {
		if h.ID != "" && h.OwnerID != "" {
			s.households[h.ID] = h
		}
	}
	for _, l := range file.Lists {
		if l.ID != "" && l.OwnerID != "" {
			s.lists[l.ID] = l
		}
	}
	for _, it := range file.Items {
		if _, ok := s.lists[it.ListID]; ok && it.ID != "" {
			s.items[it.ID] = it
		}
	}
	for _, c := range file.Comments {
		if _, ok := s.lists[c.ListID]; ok && c.ID != "" {
			s.comments[c.ID] = c
		}
	}
	return nil
}

func (s *Store) snapshotLocked() *snapshot {
	snap := &snapshot{Version: stateVersion, SavedAt: time.Now().UnixMilli()}
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, a)
	}
	for _, h := range s.households {
		snap.Households = append(snap.Households, h)
	}
	for _, l := range s.lists {
		snap.Lists = append(snap.Lists, l)
	}
	for _, it := range s.items {
		snap.Items = append(snap.Items, it)
	}
	for _, c := range s.comments {
		snap.Comments = append(snap.Comments, c)
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].ID < snap.Accounts[j].ID })
	sort.Slice(snap.Households, func(i, j int) bool { return snap.Households[i].ID < snap.Households[j].ID })
	sort.Slice(snap.Lists, func(i, j int) bool { return snap.Lists[i].ID < snap.Lists[j].ID })
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].ID < snap.Items[j].ID })
	sort.Slice(snap.Comments, func(i, j int) bool { return snap.Comments[i].ID < snap.Comments[j].ID })
	return snap
}

// persistSnapshot writes to a temp file and renames it over the state file
// so a crash never leaves a half-written file behind.
func (s *Store) persistSnapshot(snap *snapshot) {
	path := s.stateFile
	if path == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	log := s.logger.With(zap.String("file", path))
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warn("state persistence: mkdir failed", zap.Error(err))
		return
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Warn("state persistence: marshal failed", zap.Error(err))
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		log.Warn("state persistence: create temp failed", zap.Error(err))
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		log.Warn("state persistence: chmod temp failed", zap.Error(err))
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		log.Warn("state persistence: write temp failed", zap.Error(err))
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		log.Warn("state persistence: sync temp failed", zap.Error(err))
		return
	}
	if err := tmp.Close(); err != nil {
		log.Warn("state persistence: close temp failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		log.Warn("state persistence: rename failed", zap.Error(err))
	}
}
