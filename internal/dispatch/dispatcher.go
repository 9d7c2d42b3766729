// Package dispatch accepts coding tasks, queues them, and runs them on a
// pool of workers, tracking each run's lifecycle in a RunStore.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jkaninda/kodo/internal/agent"
	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/queue"
	"github.com/jkaninda/kodo/internal/run"
)

const (
	MaxInputLength     = 500
	DefaultWorkers     = 4
	DefaultMaxAttempts = 3
)

var (
	// ErrInvalidInput is returned by Submit for empty or oversized input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("run already finished")
)

// Executor runs one event to completion. *run.Driver implements it.
type Executor interface {
	Execute(ctx context.Context, ev run.Event) (*run.Result, error)
}

var _ Executor = (*run.Driver)(nil)

// Dispatcher submits runs and executes them from a queue.
type Dispatcher struct {
	store       RunStore
	queue       queue.Queue
	exec        Executor
	workers     int
	maxAttempts int
	metrics     *Metrics
	events      events.Publisher
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of concurrent runs per process.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithMaxAttempts bounds deliveries of one run before it is marked failed.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithMetrics records run metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithEvents publishes a run.cancelled event when a run is cancelled.
func WithEvents(p events.Publisher) Option {
	return func(d *Dispatcher) { d.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher.
func New(store RunStore, q queue.Queue, exec Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		queue:       q,
		exec:        exec,
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
		active:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d
}

// Submit validates and records a new run, enqueues it, and returns without
// waiting for it to execute.
func (d *Dispatcher) Submit(ctx context.Context, input, framework string) (*RunRecord, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("%w: input is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(input) > MaxInputLength {
		return nil, fmt.Errorf("%w: input exceeds %d characters", ErrInvalidInput, MaxInputLength)
	}
	framework = strings.ToLower(strings.TrimSpace(framework))
	if framework == "" {
		framework = agent.DefaultFramework
	}

	now := time.Now().UTC()
	rec := &RunRecord{
		ID:        uuid.NewString(),
		Input:     input,
		Framework: framework,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}
	if err := d.queue.Publish(ctx, rec.ID); err != nil {
		rec.Status = StatusFailed
		rec.Error = "enqueue failed: " + err.Error()
		rec.FinishedAt = &now
		if uerr := d.store.Update(context.WithoutCancel(ctx), rec); uerr != nil {
			d.logger.ErrorContext(ctx, "failed to record enqueue failure",
				slog.String("run_id", rec.ID),
				slog.String("error", uerr.Error()),
			)
		}
		return nil, fmt.Errorf("enqueueing run %s: %w", rec.ID, err)
	}
	d.metrics.submitted()
	d.logger.InfoContext(ctx, "run submitted",
		slog.String("run_id", rec.ID),
		slog.String("framework", framework),
	)
	return rec, nil
}

// Status returns the record of run id.
func (d *Dispatcher) Status(ctx context.Context, id string) (*RunRecord, error) {
	return d.store.Get(ctx, id)
}

// List returns run records, newest first.
func (d *Dispatcher) List(ctx context.Context, filter ListFilter) ([]*RunRecord, error) {
	return d.store.List(ctx, filter)
}

// Cancel marks run id cancelled. A run executing on this process has its
// context cancelled; runs on other workers finish their current attempt.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*RunRecord, error) {
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("run %s is %s: %w", id, rec.Status, ErrRunFinished)
	}
	now := time.Now().UTC()
	rec.Status = StatusCancelled
	rec.UpdatedAt = now
	rec.FinishedAt = &now
	if err := d.store.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("cancelling run %s: %w", id, err)
	}

	d.mu.Lock()
	cancel, ok := d.active[id]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	events.Emit(d.events, events.Event{RunID: id, Type: events.RunCancelled})
	d.logger.InfoContext(ctx, "run cancelled",
		slog.String("run_id", id),
		slog.Bool("was_executing", ok),
	)
	return rec, nil
}

// Active returns the number of runs executing on this process.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// Start consumes the queue until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.InfoContext(ctx, "dispatcher started", slog.Int("workers", d.workers))
	err := d.queue.Consume(ctx, d.workers, d.handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handle executes one delivery. It returns an error when the record could
// not be read or written, or when shutdown interrupted the run, so the queue
// retries the delivery.
func (d *Dispatcher) handle(ctx context.Context, id string) error {
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			d.logger.WarnContext(ctx, "dropping unknown run", slog.String("run_id", id))
			return nil
		}
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	rec.Attempts++
	rec.UpdatedAt = now
	if rec.Attempts > d.maxAttempts {
		rec.Status = StatusFailed
		rec.Error = fmt.Sprintf("gave up after %d attempts", d.maxAttempts)
		rec.FinishedAt = &now
		return d.store.Update(ctx, rec)
	}
	rec.Status = StatusRunning
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if err := d.store.Update(ctx, rec); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.active[id] = cancel
	d.mu.Unlock()
	d.metrics.started()

	start := time.Now()
	res, execErr := d.exec.Execute(runCtx, rec.Event())
	elapsed := time.Since(start)

	d.mu.Lock()
	delete(d.active, id)
	d.mu.Unlock()
	cancel()

	// Re-read so a concurrent Cancel is not overwritten. ctx may already be
	// done when the process is shutting down.
	storeCtx := context.WithoutCancel(ctx)
	latest, err := d.store.Get(storeCtx, id)
	if err != nil {
		d.metrics.finished(StatusFailed, elapsed)
		return err
	}
	if latest.Status == StatusCancelled {
		d.metrics.finished(StatusCancelled, elapsed)
		return nil
	}

	// Interrupted by shutdown rather than by the run itself: hand the run
	// back to the queue instead of failing it.
	if execErr != nil && ctx.Err() != nil {
		d.metrics.interrupted()
		latest.Status = StatusPending
		latest.UpdatedAt = time.Now().UTC()
		d.logger.WarnContext(storeCtx, "run interrupted by shutdown, returning to queue",
			slog.String("run_id", id),
			slog.Int("attempt", latest.Attempts),
		)
		if err := d.store.Update(storeCtx, latest); err != nil {
			return err
		}
		return fmt.Errorf("run %s interrupted: %w", id, ctx.Err())
	}

	done := time.Now().UTC()
	latest.UpdatedAt = done
	latest.FinishedAt = &done
	if execErr != nil {
		latest.Status = StatusFailed
		latest.Error = execErr.Error()
		d.logger.ErrorContext(ctx, "run failed",
			slog.String("run_id", id),
			slog.Int("attempt", latest.Attempts),
			slog.String("error", execErr.Error()),
		)
	} else {
		latest.Status = StatusCompleted
		latest.Result = res
		d.logger.InfoContext(ctx, "run completed",
			slog.String("run_id", id),
			slog.Duration("duration", elapsed),
			slog.Int("files", len(res.Files)),
		)
	}
	d.metrics.finished(latest.Status, elapsed)
	return d.store.Update(storeCtx, latest)
}
