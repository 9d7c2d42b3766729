//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kodo/internal/dispatch"
	"github.com/jkaninda/kodo/internal/run"
	"github.com/jkaninda/kodo/internal/step"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("KODO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KODO_TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// --- Step checkpoints ---

func TestStepRepository_FirstWriterWins(t *testing.T) {
	db := testDB(t)
	repo := NewStepRepository(db.GormDB())
	ctx := context.Background()
	runID := uuid.NewString()
	key := step.ToolKey(runID, 0, "terminal", 0).String()
	t.Cleanup(func() { _ = repo.DeleteRun(ctx, runID) })

	const workers = 10
	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			err := repo.Save(ctx, &step.Checkpoint{
				RunID:     runID,
				Key:       key,
				Output:    []byte(`"out"`),
				CreatedAt: time.Now().UTC(),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, step.ErrDuplicate):
				t.Errorf("unexpected save error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("successful saves = %d, want 1", got)
	}
	cp, err := repo.Load(ctx, key)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if string(cp.Output) != `"out"` || cp.RunID != runID {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestStepRepository_Runner(t *testing.T) {
	db := testDB(t)
	repo := NewStepRepository(db.GormDB())
	ctx := context.Background()
	runID := uuid.NewString()
	t.Cleanup(func() { _ = repo.DeleteRun(ctx, runID) })

	r := step.NewRunner(repo, nil, nil)
	var calls int
	for range 3 {
		got, err := step.Run(ctx, r, step.RunKey(runID, "get-sandbox-id"), func(context.Context) (string, error) {
			calls++
			return "sbx-1", nil
		})
		if err != nil || got != "sbx-1" {
			t.Fatalf("Run = %q, %v", got, err)
		}
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// --- Runs ---

func TestRunRepository_Lifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewRunRepository(db.GormDB())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := &dispatch.RunRecord{
		ID:        uuid.NewString(),
		Input:     "create a hello page",
		Framework: "nextjs",
		Status:    dispatch.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("creating: %v", err)
	}

	finished := now.Add(time.Minute)
	rec.Status = dispatch.StatusCompleted
	rec.FinishedAt = &finished
	rec.Result = &run.Result{URL: "https://3000-x.e2b.app", Title: "Fragment", Files: map[string]string{"app/page.tsx": "x"}, Summary: "done"}
	if err := repo.Update(ctx, rec); err != nil {
		t.Fatalf("updating: %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if got.Status != dispatch.StatusCompleted || got.Result == nil || got.Result.Files["app/page.tsx"] != "x" {
		t.Errorf("record = %+v", got)
	}

	n, err := repo.DeleteFinishedBefore(ctx, finished.Add(time.Second))
	if err != nil || n < 1 {
		t.Errorf("DeleteFinishedBefore = %d, %v", n, err)
	}
	if _, err := repo.Get(ctx, rec.ID); !errors.Is(err, dispatch.ErrRunNotFound) {
		t.Errorf("get after delete err = %v, want ErrRunNotFound", err)
	}
}
