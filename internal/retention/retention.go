// Package retention periodically deletes step checkpoints and finished run
// records older than a configured age.
package retention

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kodo/internal/dispatch"
	"github.com/jkaninda/kodo/internal/step"
)

const (
	DefaultSchedule = "@hourly"
	DefaultMaxAge   = 7 * 24 * time.Hour
)

// Result reports what one sweep removed.
type Result struct {
	Checkpoints int64
	Runs        int64
	Cutoff      time.Time
}

// Sweeper runs retention sweeps on a cron schedule.
type Sweeper struct {
	steps    step.Store
	runs     dispatch.RunStore
	maxAge   time.Duration
	schedule cron.Schedule
	expr     string
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithMaxAge sets how long checkpoints and finished runs are kept.
func WithMaxAge(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithMetrics records sweep metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// New creates a sweeper for schedule, a five-field cron expression or a
// descriptor such as "@hourly". Either store may be nil to skip it.
func New(steps step.Store, runs dispatch.RunStore, schedule string, opts ...Option) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", schedule, err)
	}
	s := &Sweeper{
		steps:    steps,
		runs:     runs,
		maxAge:   DefaultMaxAge,
		schedule: sched,
		expr:     schedule,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s, nil
}

// Next returns the first sweep time after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Sweep deletes everything older than the max age, relative to now.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{Cutoff: s.now().UTC().Add(-s.maxAge)}

	if s.steps != nil {
		n, err := s.steps.Purge(ctx, res.Cutoff)
		if err != nil {
			s.metrics.failed()
			return res, fmt.Errorf("purging step checkpoints: %w", err)
		}
		res.Checkpoints = n
	}
	if s.runs != nil {
		n, err := s.runs.DeleteFinishedBefore(ctx, res.Cutoff)
		if err != nil {
			s.metrics.failed()
			return res, fmt.Errorf("deleting finished runs: %w", err)
		}
		res.Runs = n
	}
	s.metrics.swept(res, time.Since(start))
	return res, nil
}

// Start runs sweeps on the schedule until ctx is done. The returned
// function stops the loop.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "retention sweeper started",
			slog.String("schedule", s.expr),
			slog.Duration("max_age", s.maxAge),
		)
		for {
			next := s.schedule.Next(s.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("retention sweeper stopped")
				return
			case <-timer.C:
			}

			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "retention sweep failed", slog.String("error", err.Error()))
				continue
			}
			s.logger.InfoContext(ctx, "retention sweep finished",
				slog.Int64("checkpoints", res.Checkpoints),
				slog.Int64("runs", res.Runs),
				slog.Time("cutoff", res.Cutoff),
			)
		}
	}()

	return cancel
}
