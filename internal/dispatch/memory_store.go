package dispatch

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process RunStore.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*RunRecord
}

var _ RunStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*RunRecord)}
}

func (s *MemoryStore) Create(_ context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; ok {
		return fmt.Errorf("run %s already exists", rec.ID)
	}
	s.runs[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Update(_ context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; !ok {
		return fmt.Errorf("run %s: %w", rec.ID, ErrRunNotFound)
	}
	s.runs[rec.ID] = cloneRecord(rec)
	return nil
}

// List returns records newest first.
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.runs {
		if rec.Status.Terminal() && rec.FinishedAt != nil && rec.FinishedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

func cloneRecord(rec *RunRecord) *RunRecord {
	cp := *rec
	if rec.Result != nil {
		res := *rec.Result
		res.Files = maps.Clone(rec.Result.Files)
		cp.Result = &res
	}
	return &cp
}
