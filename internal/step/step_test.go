package step

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type result struct {
	Out  string `json:"out"`
	Code int    `json:"code"`
}

// --- Keys ---

func TestKey_String(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{RunKey("r1", "get-sandbox-id"), "run/r1/get-sandbox-id"},
		{ToolKey("r1", 2, "terminal", 0), "run/r1/iter/2/terminal/0"},
		{InferenceKey("r1", 0), "run/r1/iter/0/inference"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestStepKind(t *testing.T) {
	tests := map[string]string{
		"iter/3/createOrUpdateFiles/1": "createOrUpdateFiles",
		"iter/0/inference":             "inference",
		"get-sandbox-url":              "get-sandbox-url",
	}
	for name, want := range tests {
		if got := stepKind(name); got != want {
			t.Errorf("stepKind(%q) = %q, want %q", name, got, want)
		}
	}
}

// --- Run ---

func TestRun_ExecutesOnceAndReplays(t *testing.T) {
	r := NewRunner(NewMemoryStore(), nil, nil)
	ctx := context.Background()
	key := RunKey("run-1", "get-sandbox-id")

	var calls int
	fn := func(context.Context) (result, error) {
		calls++
		return result{Out: "sbx-1", Code: calls}, nil
	}

	first, err := Run(ctx, r, key, fn)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := Run(ctx, r, key, fn)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
	if first != second {
		t.Errorf("replayed = %+v, want %+v", second, first)
	}
}

func TestRun_ErrorsAreNotMemoized(t *testing.T) {
	store := NewMemoryStore()
	r := NewRunner(store, nil, nil)
	ctx := context.Background()
	key := ToolKey("run-1", 0, "terminal", 0)

	_, err := Run(ctx, r, key, func(context.Context) (string, error) {
		return "", errors.New("sandbox unreachable")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if store.Len() != 0 {
		t.Fatalf("store has %d checkpoints, want 0", store.Len())
	}

	got, err := Run(ctx, r, key, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Errorf("retry = %q, %v; want ok, nil", got, err)
	}
}

func TestRun_DistinctKeysExecuteIndependently(t *testing.T) {
	r := NewRunner(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	var calls int
	fn := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}
	a, _ := Run(ctx, r, ToolKey("run-1", 0, "terminal", 0), fn)
	b, _ := Run(ctx, r, ToolKey("run-1", 0, "terminal", 1), fn)
	c, _ := Run(ctx, r, ToolKey("run-2", 0, "terminal", 0), fn)

	if a != 1 || b != 2 || c != 3 {
		t.Errorf("got %d %d %d, want 1 2 3", a, b, c)
	}
}

func TestRun_NilRunnerExecutesDirectly(t *testing.T) {
	var r *Runner
	var calls int
	for range 2 {
		_, err := Run(context.Background(), r, RunKey("x", "y"), func(context.Context) (int, error) {
			calls++
			return calls, nil
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

// racingStore reports a duplicate on Save, simulating a concurrent writer
// that recorded the step first.
type racingStore struct {
	*MemoryStore
	winner []byte
}

func (s *racingStore) Save(ctx context.Context, cp *Checkpoint) error {
	_ = s.MemoryStore.Save(ctx, &Checkpoint{RunID: cp.RunID, Key: cp.Key, Output: s.winner, CreatedAt: cp.CreatedAt})
	return ErrDuplicate
}

func TestRun_DuplicateSaveReturnsWinner(t *testing.T) {
	store := &racingStore{MemoryStore: NewMemoryStore(), winner: []byte(`"first"`)}
	r := NewRunner(store, nil, nil)

	got, err := Run(context.Background(), r, RunKey("r", "s"), func(context.Context) (string, error) {
		return "second", nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "first" {
		t.Errorf("got %q, want %q", got, "first")
	}
}

type failingStore struct{ *MemoryStore }

func (s *failingStore) Load(context.Context, string) (*Checkpoint, error) {
	return nil, errors.New("connection refused")
}

func TestRun_LoadErrorIsReturned(t *testing.T) {
	r := NewRunner(&failingStore{MemoryStore: NewMemoryStore()}, nil, nil)
	called := false
	_, err := Run(context.Background(), r, RunKey("r", "s"), func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	if err == nil {
		t.Fatal("expected load error")
	}
	if called {
		t.Error("fn should not run when the store cannot be read")
	}
}

func TestRun_ConcurrentSameKeyConverges(t *testing.T) {
	r := NewRunner(NewMemoryStore(), nil, nil)
	key := RunKey("r", "s")
	var n atomic.Int32

	results := make([]int32, 8)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Run(context.Background(), r, key, func(context.Context) (int32, error) {
				return n.Add(1), nil
			})
			if err != nil {
				t.Errorf("Run: %v", err)
			}
			results[i] = v
		}()
	}
	wg.Wait()

	stored, err := r.Store().Load(context.Background(), key.String())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var want int32
	if err := json.Unmarshal(stored.Output, &want); err != nil {
		t.Fatalf("decoding checkpoint: %v", err)
	}
	for i, v := range results {
		if v != want {
			t.Errorf("results[%d] = %d, want %d", i, v, want)
		}
	}
}

// --- Metrics ---

func TestRun_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRunner(NewMemoryStore(), m, nil)
	key := ToolKey("r", 0, "terminal", 0)
	fn := func(context.Context) (string, error) { return "x", nil }

	_, _ = Run(context.Background(), r, key, fn)
	_, _ = Run(context.Background(), r, key, fn)

	if got := counterValue(t, m.StepsTotal.WithLabelValues("terminal", "executed")); got != 1 {
		t.Errorf("executed = %v, want 1", got)
	}
	if got := counterValue(t, m.StepsTotal.WithLabelValues("terminal", "replayed")); got != 1 {
		t.Errorf("replayed = %v, want 1", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if m := NewMetrics(nil); m != nil {
		t.Error("expected nil metrics for nil registry")
	}
}

// --- MemoryStore ---

func TestMemoryStore_DeleteRunAndPurge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	now := time.Now()

	for _, cp := range []*Checkpoint{
		{RunID: "a", Key: "run/a/1", Output: []byte("1"), CreatedAt: old},
		{RunID: "a", Key: "run/a/2", Output: []byte("2"), CreatedAt: now},
		{RunID: "b", Key: "run/b/1", Output: []byte("3"), CreatedAt: now},
	} {
		if err := s.Save(ctx, cp); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	if err := s.Save(ctx, &Checkpoint{RunID: "a", Key: "run/a/1"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate save err = %v, want ErrDuplicate", err)
	}

	n, err := s.Purge(ctx, now.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Errorf("Purge = %d, %v; want 1, nil", n, err)
	}
	if err := s.DeleteRun(ctx, "b"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	if _, err := s.Load(ctx, "run/b/1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load deleted err = %v, want ErrNotFound", err)
	}
}
