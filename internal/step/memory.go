package step

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in process memory. Runs survive retries
// within one process but not restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *cp
	out.Output = append([]byte(nil), cp.Output...)
	return &out, nil
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checkpoints[cp.Key]; exists {
		return ErrDuplicate
	}
	stored := *cp
	stored.Output = append([]byte(nil), cp.Output...)
	s.checkpoints[cp.Key] = &stored
	return nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cp := range s.checkpoints {
		if cp.RunID == runID {
			delete(s.checkpoints, key)
		}
	}
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, cp := range s.checkpoints {
		if cp.CreatedAt.Before(cutoff) {
			delete(s.checkpoints, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored checkpoints.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints)
}

var _ Store = (*MemoryStore)(nil)
