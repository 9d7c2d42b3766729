// Package step implements durable, memoized units of work.
//
// A step is identified by a Key that is unique per logical action of a run.
// The first successful execution of a step persists its JSON-encoded result
// in a Store; any later execution with the same key (a resumed or redelivered
// run) returns the stored result instead of repeating the side effects.
// Failed executions are not recorded, so they run again on resumption.
package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

var (
	// ErrNotFound is returned by Store.Load when no checkpoint exists for a key.
	ErrNotFound = errors.New("step checkpoint not found")

	// ErrDuplicate is returned by Store.Save when a checkpoint already exists.
	ErrDuplicate = errors.New("step checkpoint already exists")
)

// Key identifies one step within one run.
type Key struct {
	RunID string
	Name  string
}

// String renders the key as "run/<run id>/<name>".
func (k Key) String() string {
	return "run/" + k.RunID + "/" + k.Name
}

// RunKey returns the key for a run-level step such as "get-sandbox-id".
func RunKey(runID, name string) Key {
	return Key{RunID: runID, Name: name}
}

// ToolKey returns the key for the callIndex-th call of tool during iteration.
func ToolKey(runID string, iteration int, tool string, callIndex int) Key {
	return Key{RunID: runID, Name: fmt.Sprintf("iter/%d/%s/%d", iteration, tool, callIndex)}
}

// InferenceKey returns the key for the model response of iteration.
func InferenceKey(runID string, iteration int) Key {
	return Key{RunID: runID, Name: fmt.Sprintf("iter/%d/inference", iteration)}
}

// Checkpoint is a persisted step result.
type Checkpoint struct {
	RunID     string
	Key       string
	Output    []byte
	CreatedAt time.Time
}

// Store persists checkpoints. Implementations must make Save first-writer-wins.
type Store interface {
	Load(ctx context.Context, key string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	DeleteRun(ctx context.Context, runID string) error
	// Purge removes checkpoints created before cutoff and returns how many.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner executes steps against a Store. A nil *Runner executes every step
// directly without memoization.
type Runner struct {
	store   Store
	metrics *Metrics
	logger  *slog.Logger
}

// NewRunner creates a step runner. metrics may be nil.
func NewRunner(store Store, metrics *Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{store: store, metrics: metrics, logger: logger}
}

// Store returns the underlying checkpoint store.
func (r *Runner) Store() Store {
	if r == nil {
		return nil
	}
	return r.store
}

// Run executes fn as the step identified by key, or returns the result
// recorded by an earlier execution of the same key.
func Run[T any](ctx context.Context, r *Runner, key Key, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if r == nil || r.store == nil {
		return fn(ctx)
	}
	id := key.String()

	cached, err := r.load(ctx, id)
	if err != nil {
		return zero, err
	}
	if cached != nil {
		var out T
		if err := json.Unmarshal(cached.Output, &out); err != nil {
			return zero, fmt.Errorf("decoding checkpoint %s: %w", id, err)
		}
		r.metrics.observe(key, true)
		r.logger.DebugContext(ctx, "step replayed", slog.String("step", id))
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	r.metrics.observe(key, false)

	data, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("encoding step %s result: %w", id, err)
	}
	saveErr := r.store.Save(ctx, &Checkpoint{
		RunID:     key.RunID,
		Key:       id,
		Output:    data,
		CreatedAt: time.Now().UTC(),
	})
	switch {
	case saveErr == nil:
		return out, nil
	case errors.Is(saveErr, ErrDuplicate):
		// Another execution recorded this step first; its result is authoritative.
		winner, err := r.load(ctx, id)
		if err != nil || winner == nil {
			return out, nil
		}
		var first T
		if err := json.Unmarshal(winner.Output, &first); err != nil {
			return out, nil
		}
		return first, nil
	default:
		r.logger.WarnContext(ctx, "step checkpoint not saved",
			slog.String("step", id),
			slog.String("error", saveErr.Error()),
		)
		return out, nil
	}
}

func (r *Runner) load(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := r.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", id, err)
	}
	return cp, nil
}
