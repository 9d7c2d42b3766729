package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/kodo/internal/dispatch"
	"github.com/jkaninda/kodo/internal/step"
	"github.com/jkaninda/kodo/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu    sync.Mutex
	steps step.Store
	runs  dispatch.RunStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Steps() step.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps == nil {
		s.steps = NewStepRepository(s.pgDB.GormDB())
	}
	return s.steps
}

func (s *Store) Runs() dispatch.RunStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = NewRunRepository(s.pgDB.GormDB())
	}
	return s.runs
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
