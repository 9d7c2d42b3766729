package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/kodo/internal/dispatch"
	"github.com/jkaninda/kodo/internal/run"
)

// RunRepository implements dispatch.RunStore.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create persists a new run record.
func (r *RunRepository) Create(ctx context.Context, rec *dispatch.RunRecord) error {
	model, err := toRunModel(rec)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s already exists", rec.ID)
		}
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// Get retrieves a run record by ID.
func (r *RunRepository) Get(ctx context.Context, id string) (*dispatch.RunRecord, error) {
	var model RunModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, dispatch.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	return toRunRecord(&model)
}

// Update persists changes to an existing run record.
func (r *RunRepository) Update(ctx context.Context, rec *dispatch.RunRecord) error {
	model, err := toRunModel(rec)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", rec.ID).Updates(map[string]any{
		"status":      model.Status,
		"result":      model.Result,
		"error":       model.Error,
		"attempts":    model.Attempts,
		"updated_at":  model.UpdatedAt,
		"started_at":  model.StartedAt,
		"finished_at": model.FinishedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("updating run %s: %w", rec.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("run %s: %w", rec.ID, dispatch.ErrRunNotFound)
	}
	return nil
}

// List returns run records, newest first.
func (r *RunRepository) List(ctx context.Context, filter dispatch.ListFilter) ([]*dispatch.RunRecord, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var models []RunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	records := make([]*dispatch.RunRecord, 0, len(models))
	for i := range models {
		rec, err := toRunRecord(&models[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// DeleteFinishedBefore removes terminal runs finished before cutoff.
func (r *RunRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("finished_at IS NOT NULL AND finished_at < ?", cutoff).
		Where("status IN ?", []string{
			string(dispatch.StatusCompleted),
			string(dispatch.StatusFailed),
			string(dispatch.StatusCancelled),
		}).
		Delete(&RunModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished runs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func toRunModel(rec *dispatch.RunRecord) (RunModel, error) {
	var result string
	if rec.Result != nil {
		data, err := json.Marshal(rec.Result)
		if err != nil {
			return RunModel{}, fmt.Errorf("encoding run result: %w", err)
		}
		result = string(data)
	}
	return RunModel{
		ID:         rec.ID,
		Input:      rec.Input,
		Framework:  rec.Framework,
		Status:     string(rec.Status),
		Result:     result,
		Error:      rec.Error,
		Attempts:   rec.Attempts,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}, nil
}

func toRunRecord(m *RunModel) (*dispatch.RunRecord, error) {
	rec := &dispatch.RunRecord{
		ID:         m.ID,
		Input:      m.Input,
		Framework:  m.Framework,
		Status:     dispatch.Status(m.Status),
		Error:      m.Error,
		Attempts:   m.Attempts,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}
	if m.Result != "" {
		var res run.Result
		if err := json.Unmarshal([]byte(m.Result), &res); err != nil {
			return nil, fmt.Errorf("decoding result of run %s: %w", m.ID, err)
		}
		rec.Result = &res
	}
	return rec, nil
}

var _ dispatch.RunStore = (*RunRepository)(nil)
