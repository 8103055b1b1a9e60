// Package positionstore implements the Position-State Store of spec.md §4.3:
// a JSON-array file as the primary, authoritative store for HedgedPair
// records (atomic write-then-rename, the same durability shape the teacher
// uses for its sqlite blob store), plus a sqlite-backed side store for order
// history, cooldowns and the imbalance tracker.
package positionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fundingkeeper/internal/core"
)

// FileStore implements core.PositionStore over a single JSON-array file.
// Every mutation rewrites the whole file to a temp path in the same
// directory and renames over the original, so a crash mid-write never leaves
// a torn file behind.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]*core.HedgedPair
}

// NewFileStore opens (or creates) the JSON store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, data: make(map[string]*core.HedgedPair)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read position store: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var pairs []*core.HedgedPair
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return fmt.Errorf("parse position store: %w", err)
	}
	for _, p := range pairs {
		s.data[p.PairID] = p
	}
	return nil
}

// persist must be called with s.mu held.
func (s *FileStore) persist() error {
	pairs := make([]*core.HedgedPair, 0, len(s.data))
	for _, p := range s.data {
		pairs = append(pairs, p)
	}

	data, err := json.MarshalIndent(pairs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal position store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".positions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp position store: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp position store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp position store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp position store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp position store: %w", err)
	}
	return nil
}

func (s *FileStore) Save(ctx context.Context, pair *core.HedgedPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[pair.PairID] = pair
	return s.persist()
}

func (s *FileStore) Update(ctx context.Context, pairID string, mutate func(*core.HedgedPair)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[pairID]
	if !ok {
		return fmt.Errorf("position %s: %w", pairID, errNotFound)
	}
	mutate(p)
	p.UpdatedAt = time.Now()
	return s.persist()
}

func (s *FileStore) Get(ctx context.Context, pairID string) (*core.HedgedPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[pairID]
	return p, ok, nil
}

func (s *FileStore) GetAll(ctx context.Context) ([]*core.HedgedPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.HedgedPair, 0, len(s.data))
	for _, p := range s.data {
		out = append(out, p)
	}
	return out, nil
}

func (s *FileStore) GetByStatus(ctx context.Context, status core.PairStatus) ([]*core.HedgedPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.HedgedPair, 0)
	for _, p := range s.data {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *FileStore) GetActive(ctx context.Context) ([]*core.HedgedPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.HedgedPair, 0)
	for _, p := range s.data {
		if p.Status != core.PairClosed {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *FileStore) MarkComplete(ctx context.Context, pairID string) error {
	return s.Update(ctx, pairID, func(p *core.HedgedPair) {
		p.Status = core.PairComplete
		p.LongFilled = true
		p.ShortFilled = true
	})
}

func (s *FileStore) MarkSingleLeg(ctx context.Context, pairID string, longFilled, shortFilled bool) error {
	return s.Update(ctx, pairID, func(p *core.HedgedPair) {
		p.Status = core.PairSingleLeg
		p.LongFilled = longFilled
		p.ShortFilled = shortFilled
	})
}

func (s *FileStore) MarkClosed(ctx context.Context, pairID string) error {
	return s.Update(ctx, pairID, func(p *core.HedgedPair) {
		p.Status = core.PairClosed
	})
}

func (s *FileStore) IncrementRetryCount(ctx context.Context, pairID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[pairID]
	if !ok {
		return 0, fmt.Errorf("position %s: %w", pairID, errNotFound)
	}
	p.RetryCount++
	p.UpdatedAt = time.Now()
	if err := s.persist(); err != nil {
		return 0, err
	}
	return p.RetryCount, nil
}

func (s *FileStore) Delete(ctx context.Context, pairID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, pairID)
	return s.persist()
}

func (s *FileStore) CleanupOldPositions(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, p := range s.data {
		if p.Status == core.PairClosed && p.UpdatedAt.Before(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	if removed > 0 {
		if err := s.persist(); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

var errNotFound = fmt.Errorf("not found")

var _ core.PositionStore = (*FileStore)(nil)
