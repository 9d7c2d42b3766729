// Package guard races a run against a wall-clock deadline.
package guard

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	DefaultTimeout = 2 * time.Minute

	// TimedOutSummary is the summary reported for a run that missed its deadline.
	TimedOutSummary = "Timed out. Partial results may be available."
)

// Guard holds the deadline policy.
type Guard struct {
	// Timeout is the deadline. Zero means DefaultTimeout.
	Timeout time.Duration
	// CancelOnTimeout cancels the run's context when the deadline passes.
	// When false the run keeps going in the background and its result is
	// discarded.
	CancelOnTimeout bool
	Logger          *slog.Logger
}

// New returns a Guard with the given timeout.
func New(timeout time.Duration, cancelOnTimeout bool, logger *slog.Logger) *Guard {
	return &Guard{Timeout: timeout, CancelOnTimeout: cancelOnTimeout, Logger: logger}
}

func (g *Guard) timeout() time.Duration {
	if g == nil || g.Timeout <= 0 {
		return DefaultTimeout
	}
	return g.Timeout
}

func (g *Guard) logger() *slog.Logger {
	if g == nil || g.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return g.Logger
}

type outcome[T any] struct {
	val T
	err error
}

// Run calls fn and returns its result if it finishes before the deadline.
// Otherwise it returns fallback() and timedOut=true without waiting for fn.
// Cancelling ctx before the deadline cancels fn and returns ctx.Err(). Once
// the deadline has passed without CancelOnTimeout, fn is detached from ctx
// and runs to completion.
func Run[T any](ctx context.Context, g *Guard, fallback func() T, fn func(context.Context) (T, error)) (val T, timedOut bool, err error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var expired atomic.Bool
	done := make(chan outcome[T], 1)
	logger := g.logger()

	go func() {
		v, err := fn(runCtx)
		done <- outcome[T]{val: v, err: err}
		if expired.Load() {
			logger.InfoContext(runCtx, "discarding result of timed out run")
		}
		cancel()
	}()

	timer := time.NewTimer(g.timeout())
	defer timer.Stop()

	select {
	case out := <-done:
		cancel()
		return out.val, false, out.err
	case <-ctx.Done():
		cancel()
		var zero T
		return zero, false, ctx.Err()
	case <-timer.C:
		expired.Store(true)
		cancelOnTimeout := g != nil && g.CancelOnTimeout
		logger.WarnContext(ctx, "run deadline exceeded",
			slog.Duration("timeout", g.timeout()),
			slog.Bool("cancelled", cancelOnTimeout),
		)
		if cancelOnTimeout {
			cancel()
		}
		return fallback(), true, nil
	}
}
