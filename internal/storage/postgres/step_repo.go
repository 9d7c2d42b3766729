package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kodo/internal/step"
)

// StepRepository implements step.Store with a SQL table.
// The same repository backs SQLite through GORM's dialect abstraction.
type StepRepository struct {
	db *gorm.DB
}

// NewStepRepository creates a StepRepository.
func NewStepRepository(db *gorm.DB) *StepRepository {
	return &StepRepository{db: db}
}

// Load retrieves a checkpoint by its full step key.
func (r *StepRepository) Load(ctx context.Context, key string) (*step.Checkpoint, error) {
	var model StepModel
	err := r.db.WithContext(ctx).First(&model, "step_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, step.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading step %s: %w", key, err)
	}
	return &step.Checkpoint{
		RunID:     model.RunID,
		Key:       model.StepKey,
		Output:    []byte(model.Output),
		CreatedAt: model.CreatedAt,
	}, nil
}

// Save inserts a checkpoint. An existing row for the key wins and
// step.ErrDuplicate is returned.
func (r *StepRepository) Save(ctx context.Context, cp *step.Checkpoint) error {
	model := StepModel{
		StepKey:   cp.Key,
		RunID:     cp.RunID,
		Output:    string(cp.Output),
		CreatedAt: cp.CreatedAt,
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "step_key"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return step.ErrDuplicate
		}
		return fmt.Errorf("saving step %s: %w", cp.Key, result.Error)
	}
	if result.RowsAffected == 0 {
		return step.ErrDuplicate
	}
	return nil
}

// DeleteRun removes every checkpoint of a run.
func (r *StepRepository) DeleteRun(ctx context.Context, runID string) error {
	if err := r.db.WithContext(ctx).Delete(&StepModel{}, "run_id = ?", runID).Error; err != nil {
		return fmt.Errorf("deleting steps of run %s: %w", runID, err)
	}
	return nil
}

// Purge removes checkpoints created before cutoff.
func (r *StepRepository) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&StepModel{}, "created_at < ?", cutoff)
	if result.Error != nil {
		return 0, fmt.Errorf("purging steps: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// isUniqueViolation reports whether err is a unique-key violation from
// PostgreSQL (SQLSTATE 23505) or SQLite.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ step.Store = (*StepRepository)(nil)
