package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/kodo/internal/dispatch"
	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/observability"
	"github.com/jkaninda/kodo/internal/queue"
	"github.com/jkaninda/kodo/internal/ratelimit"
	"github.com/jkaninda/kodo/internal/run"
)

type idleExecutor struct{}

func (idleExecutor) Execute(context.Context, run.Event) (*run.Result, error) {
	return &run.Result{}, nil
}

type fixture struct {
	gateway *Gateway
	runs    *dispatch.Dispatcher
	store   *dispatch.MemoryStore
	broker  *events.Broker
	server  *httptest.Server
}

// newFixture wires a gateway to a dispatcher whose workers are never started,
// so submitted runs stay pending until a test changes them.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := dispatch.NewMemoryStore()
	broker := events.NewBroker(16, nil)
	d := dispatch.New(store, queue.NewMemoryQueue(16), idleExecutor{}, dispatch.WithEvents(broker))
	g := NewGateway(cfg, d, broker, nil)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return &fixture{gateway: g, runs: d, store: store, broker: broker, server: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decodeRecord(t *testing.T, data []byte) *dispatch.RunRecord {
	t.Helper()
	var rec dispatch.RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decoding record %q: %v", data, err)
	}
	return &rec
}

// --- Runs ---

func TestSubmit_Accepted(t *testing.T) {
	f := newFixture(t, Config{})
	resp, data := f.do(t, http.MethodPost, "/v1/runs", `{"input":"build a todo app"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", resp.StatusCode, data)
	}
	rec := decodeRecord(t, data)
	if rec.ID == "" || rec.Status != dispatch.StatusPending {
		t.Errorf("got %+v, want a pending run", rec)
	}
	if rec.Framework != "nextjs" {
		t.Errorf("framework = %q, want nextjs", rec.Framework)
	}
}

func TestSubmit_InvalidInput(t *testing.T) {
	f := newFixture(t, Config{})
	tests := []struct {
		name string
		body string
	}{
		{"empty", `{"input":"   "}`},
		{"too long", `{"input":"` + strings.Repeat("a", dispatch.MaxInputLength+1) + `"}`},
		{"malformed", `{"input":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, http.MethodPost, "/v1/runs", tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", resp.StatusCode, data)
			}
		})
	}
}

func TestGet_FoundAndMissing(t *testing.T) {
	f := newFixture(t, Config{})
	rec, err := f.runs.Submit(context.Background(), "hello page", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	resp, data := f.do(t, http.MethodGet, "/v1/runs/"+rec.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := decodeRecord(t, data); got.ID != rec.ID || got.Input != "hello page" {
		t.Errorf("got %+v", got)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/runs/does-not-exist", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", resp.StatusCode)
	}
}

func TestList_FilterAndLimit(t *testing.T) {
	f := newFixture(t, Config{})
	for _, in := range []string{"one", "two", "three"} {
		if _, err := f.runs.Submit(context.Background(), in, ""); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	resp, data := f.do(t, http.MethodGet, "/v1/runs?status=pending&limit=2", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var recs []dispatch.RunRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d runs, want 2", len(recs))
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/runs?limit=abc", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}
}

func TestCancel_ThenConflict(t *testing.T) {
	f := newFixture(t, Config{})
	rec, _ := f.runs.Submit(context.Background(), "x", "")

	resp, data := f.do(t, http.MethodPost, "/v1/runs/"+rec.ID+"/cancel", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", resp.StatusCode, data)
	}
	if got := decodeRecord(t, data); got.Status != dispatch.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/runs/"+rec.ID+"/cancel", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

// --- Authentication ---

func TestAuthenticate(t *testing.T) {
	f := newFixture(t, Config{APIKeys: map[string]string{"secret": "ci"}})

	resp, _ := f.do(t, http.MethodGet, "/v1/runs", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/runs", "", map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/runs", "", map[string]string{"Authorization": "Bearer secret"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz must not require auth, got %d", resp.StatusCode)
	}
}

func TestSubmit_RateLimitedPerClient(t *testing.T) {
	f := newFixture(t, Config{
		APIKeys: map[string]string{"k1": "alice", "k2": "bob"},
		Limiter: ratelimit.New(ratelimit.Config{RunsPerMinute: 1, Burst: 1}),
	})
	alice := map[string]string{"Authorization": "Bearer k1"}
	body := `{"input":"build a todo app"}`

	resp, _ := f.do(t, http.MethodPost, "/v1/runs", body, alice)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit: status = %d, want 202", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/runs", body, alice)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second submit: status = %d, want 429", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/runs", body, map[string]string{"Authorization": "Bearer k2"})
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("other client: status = %d, want 202", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/runs", "", alice)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("reads are not limited: status = %d, want 200", resp.StatusCode)
	}
}

// --- Observability ---

func TestReadiness(t *testing.T) {
	hc := observability.NewHealthChecker(nil)
	hc.AddCheck("queue", func(context.Context) error { return io.ErrUnexpectedEOF })
	f := newFixture(t, Config{HealthChecker: hc})

	resp, _ := f.do(t, http.MethodGet, "/readyz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRequestInstrumentation_RunRoutes(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	metrics := observability.NewMetricsCollector()
	f := newFixture(t, Config{Metrics: metrics, Tracer: tp.Tracer("test")})

	rec, err := f.runs.Submit(context.Background(), "hello page", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.do(t, http.MethodGet, "/v1/runs/"+rec.ID, "", nil)
	f.do(t, http.MethodGet, "/v1/runs/does-not-exist", "", nil)

	got := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/runs/{id}", "200"))
	if got != 1 {
		t.Errorf("requests for /v1/runs/{id} = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(metrics.HTTPRequestsTotal); n != 2 {
		t.Errorf("request series = %d, want 2 (one per status, not per run ID)", n)
	}

	var found bool
	for _, span := range sr.Ended() {
		if span.Name() != "GET /v1/runs/{id}" {
			continue
		}
		for _, kv := range span.Attributes() {
			if kv.Key == observability.RunIDKey && kv.Value.AsString() == rec.ID {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("no request span tagged with run %s", rec.ID)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	f := newFixture(t, Config{MetricsRegistry: metrics.Registry, Metrics: metrics})

	f.do(t, http.MethodGet, "/v1/runs", "", nil)
	resp, data := f.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !bytes.Contains(data, []byte("kodo_http_requests_total")) {
		t.Errorf("metrics output missing kodo_http_requests_total")
	}
}

// --- Event streams ---

func dialEvents(t *testing.T, f *fixture, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/runs/" + id + "/events"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{EventsSubprotocol}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decoding event %q: %v", data, err)
	}
	return ev
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	f := newFixture(t, Config{})
	rec, _ := f.runs.Submit(context.Background(), "x", "")
	conn := dialEvents(t, f, rec.ID)

	deadline := time.Now().Add(2 * time.Second)
	for f.broker.Subscribers(rec.ID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.broker.Subscribers(rec.ID) == 0 {
		t.Fatal("server never subscribed")
	}

	events.Emit(f.broker, events.Event{RunID: rec.ID, Type: events.IterationStart, Iteration: 1})
	events.Emit(f.broker, events.Event{RunID: rec.ID, Type: events.RunCompleted, Data: "done"})

	if ev := readEvent(t, conn); ev.Type != events.IterationStart || ev.Iteration != 1 {
		t.Errorf("first event = %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Type != events.RunCompleted || ev.Data != "done" {
		t.Errorf("second event = %+v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("got %v, want normal closure after terminal event", err)
	}
}

func TestEvents_FinishedRunSendsFinalEvent(t *testing.T) {
	f := newFixture(t, Config{})
	rec, _ := f.runs.Submit(context.Background(), "x", "")
	if _, err := f.runs.Cancel(context.Background(), rec.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	conn := dialEvents(t, f, rec.ID)
	if ev := readEvent(t, conn); ev.Type != events.RunCancelled || ev.RunID != rec.ID {
		t.Errorf("got %+v, want run.cancelled", ev)
	}
}

func TestEvents_UnknownRun(t *testing.T) {
	f := newFixture(t, Config{})
	resp, _ := f.do(t, http.MethodGet, "/v1/runs/nope/events", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEvents_RequiresToken(t *testing.T) {
	f := newFixture(t, Config{APIKeys: map[string]string{"secret": "ci"}})
	rec, _ := f.runs.Submit(context.Background(), "x", "")

	resp, _ := f.do(t, http.MethodGet, "/v1/runs/"+rec.ID+"/events", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRunIDFromEventsPath(t *testing.T) {
	if got := runIDFromEventsPath("/v1/runs/abc-123/events"); got != "abc-123" {
		t.Errorf("got %q, want abc-123", got)
	}
}
