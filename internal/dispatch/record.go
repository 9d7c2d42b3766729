package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/kodo/internal/run"
)

// ErrRunNotFound is returned when a run record does not exist.
var ErrRunNotFound = errors.New("run not found")

// Status is the lifecycle state of a dispatched run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RunRecord tracks one dispatched run.
type RunRecord struct {
	ID         string      `json:"id"`
	Input      string      `json:"input"`
	Framework  string      `json:"framework"`
	Status     Status      `json:"status"`
	Result     *run.Result `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	Attempts   int         `json:"attempts"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Event returns the trigger event for this record.
func (r *RunRecord) Event() run.Event {
	return run.Event{ID: r.ID, Input: r.Input, Framework: r.Framework}
}

// ListFilter narrows List results. Zero values mean no filter.
type ListFilter struct {
	Status Status
	Limit  int
}

// RunStore persists run records.
type RunStore interface {
	Create(ctx context.Context, rec *RunRecord) error
	Get(ctx context.Context, id string) (*RunRecord, error)
	Update(ctx context.Context, rec *RunRecord) error
	List(ctx context.Context, filter ListFilter) ([]*RunRecord, error)
	// DeleteFinishedBefore removes terminal runs finished before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
