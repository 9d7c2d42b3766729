package run

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/kodo/internal/agent"
	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/guard"
	"github.com/jkaninda/kodo/internal/llm/llmtest"
	"github.com/jkaninda/kodo/internal/observability"
	"github.com/jkaninda/kodo/internal/sandbox/sandboxtest"
	"github.com/jkaninda/kodo/internal/step"
	"github.com/jkaninda/kodo/internal/tools"
	"github.com/jkaninda/kodo/internal/tools/files"
	"github.com/jkaninda/kodo/internal/tools/terminal"
)

const helloPage = `export default function Page() {
  return <h1 className="text-2xl">Hello</h1>;
}`

func newDriver(p *llmtest.Provider, sbx *sandboxtest.Provider, store step.Store, opts ...Option) *Driver {
	reg := tools.NewRegistry(terminal.New(), files.NewWriteTool(), files.NewReadTool())
	return NewDriver(sbx, agent.New(p, reg), step.NewRunner(store, nil, nil), opts...)
}

func helloScript() []llmtest.Reply {
	return []llmtest.Reply{
		llmtest.Tools("", llmtest.ToolCall{ID: "c1", Name: "CreateOrUpdateFile", Input: map[string]any{
			"files": []any{map[string]any{"path": "app/page.tsx", "content": helloPage}},
		}}),
		llmtest.Text("<task_summary>\nCreated hello page.\n</task_summary>"),
	}
}

// --- End to end ---

func TestExecute_CreateHelloPage(t *testing.T) {
	p := llmtest.NewProvider(helloScript()...)
	sbx := sandboxtest.NewProvider()
	d := newDriver(p, sbx, step.NewMemoryStore())

	res, err := d.Execute(context.Background(), Event{ID: "run-1", Input: "create a hello page", Framework: "nextjs"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.URL != "https://3000-sbx-1.sandbox.test" {
		t.Errorf("URL = %q", res.URL)
	}
	if res.Title != "Fragment" {
		t.Errorf("Title = %q", res.Title)
	}
	if len(res.Files) != 1 || res.Files["app/page.tsx"] != helloPage {
		t.Errorf("Files = %v", res.Files)
	}
	if res.Summary != "Created hello page." {
		t.Errorf("Summary = %q", res.Summary)
	}
	if sbx.Template("sbx-1") != DefaultTemplate {
		t.Errorf("template = %q", sbx.Template("sbx-1"))
	}
	if first := p.Requests()[0].Messages[0].Content; first != "framework: nextjs\n\ncreate a hello page" {
		t.Errorf("prompt = %q", first)
	}
}

func TestExecute_NoSummaryAfterMaxIterations(t *testing.T) {
	p := llmtest.NewProvider()
	working := llmtest.Text("still working")
	p.Repeat = &working
	d := newDriver(p, sandboxtest.NewProvider(), step.NewMemoryStore(), WithMaxIterations(3))

	res, err := d.Execute(context.Background(), Event{ID: "run-1", Input: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Summary != NoSummary {
		t.Errorf("Summary = %q, want %q", res.Summary, NoSummary)
	}
	if p.Calls() != 3 {
		t.Errorf("model calls = %d, want 3", p.Calls())
	}
	if res.Files == nil {
		t.Error("Files must be an empty map, not nil")
	}
}

func TestExecute_DefaultsFrameworkAndID(t *testing.T) {
	p := llmtest.NewProvider(llmtest.Text("<task_summary>ok</task_summary>"))
	d := newDriver(p, sandboxtest.NewProvider(), step.NewMemoryStore())

	if _, err := d.Execute(context.Background(), Event{Input: "make a counter"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if first := p.Requests()[0].Messages[0].Content; !strings.HasPrefix(first, "framework: nextjs\n\n") {
		t.Errorf("prompt = %q", first)
	}
}

// --- Failures ---

func TestExecute_ProvisioningFailureIsFatal(t *testing.T) {
	p := llmtest.NewProvider(helloScript()...)
	sbx := sandboxtest.NewProvider()
	sbx.CreateErr = errors.New("quota exceeded")
	d := newDriver(p, sbx, step.NewMemoryStore())

	_, err := d.Execute(context.Background(), Event{ID: "run-1", Input: "x"})
	if !errors.Is(err, sbx.CreateErr) {
		t.Fatalf("err = %v, want %v", err, sbx.CreateErr)
	}
	if p.Calls() != 0 {
		t.Errorf("model called %d times after provisioning failure", p.Calls())
	}
}

func TestExecute_TracesRunSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	sbx := sandboxtest.NewProvider()
	sbx.CreateErr = errors.New("quota exceeded")
	d := newDriver(llmtest.NewProvider(), sbx, step.NewMemoryStore(), WithTracer(tp.Tracer("test")))

	if _, err := d.Execute(context.Background(), Event{ID: "run-9", Input: "x"}); err == nil {
		t.Fatal("expected provisioning error")
	}
	ended := sr.Ended()
	if len(ended) != 1 || ended[0].Name() != "run.execute" {
		t.Fatalf("ended spans = %v, want one run.execute span", ended)
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want error", ended[0].Status().Code)
	}
	var runID string
	for _, kv := range ended[0].Attributes() {
		if kv.Key == observability.RunIDKey {
			runID = kv.Value.AsString()
		}
	}
	if runID != "run-9" {
		t.Errorf("run_id attribute = %q, want run-9", runID)
	}
}

func TestExecute_ModelFailureIsFatal(t *testing.T) {
	boom := errors.New("model unavailable")
	d := newDriver(llmtest.NewProvider(llmtest.Reply{Err: boom}), sandboxtest.NewProvider(), step.NewMemoryStore())
	if _, err := d.Execute(context.Background(), Event{ID: "run-1", Input: "x"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestExecute_TimeoutTakesPrecedence(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := llmtest.NewProvider(
		llmtest.Tools("", llmtest.ToolCall{ID: "c1", Name: "CreateOrUpdateFile", Input: map[string]any{
			"files": []any{map[string]any{"path": "app/page.tsx", "content": "partial"}},
		}}),
		llmtest.Reply{Block: release, Response: llmtest.Text("<task_summary>late</task_summary>").Response},
	)
	d := newDriver(p, sandboxtest.NewProvider(), step.NewMemoryStore(),
		WithGuard(guard.New(50*time.Millisecond, false, nil)))

	res, err := d.Execute(context.Background(), Event{ID: "run-1", Input: "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Summary != guard.TimedOutSummary {
		t.Errorf("Summary = %q", res.Summary)
	}
	if len(res.Files) != 0 {
		t.Errorf("Files = %v, want empty", res.Files)
	}
	if res.URL != "https://3000-sbx-1.sandbox.test" {
		t.Errorf("URL = %q", res.URL)
	}
}

// --- Durability ---

func TestExecute_RedeliveryReplaysSteps(t *testing.T) {
	store := step.NewMemoryStore()
	sbx := sandboxtest.NewProvider()
	ev := Event{ID: "run-1", Input: "create a hello page", Framework: "nextjs"}

	if _, err := newDriver(llmtest.NewProvider(helloScript()...), sbx, store).Execute(context.Background(), ev); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	replayModel := llmtest.NewProvider()
	res, err := newDriver(replayModel, sbx, store).Execute(context.Background(), ev)
	if err != nil {
		t.Fatalf("replayed Execute: %v", err)
	}
	if sbx.Creates != 1 {
		t.Errorf("sandboxes created = %d, want 1", sbx.Creates)
	}
	if replayModel.Calls() != 0 {
		t.Errorf("model calls on replay = %d, want 0", replayModel.Calls())
	}
	if res.Summary != "Created hello page." || res.Files["app/page.tsx"] != helloPage {
		t.Errorf("replayed result = %+v", res)
	}
}

func TestExecute_PublishesLifecycleEvents(t *testing.T) {
	broker := events.NewBroker(64, nil)
	sub := broker.Subscribe(context.Background(), "run-1")
	defer sub.Close()

	d := newDriver(llmtest.NewProvider(helloScript()...), sandboxtest.NewProvider(), step.NewMemoryStore(), WithEvents(broker))
	if _, err := d.Execute(context.Background(), Event{ID: "run-1", Input: "x"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var types []events.Type
	for ev := range sub.C() {
		types = append(types, ev.Type)
		if ev.Terminal() {
			break
		}
	}
	if types[0] != events.RunStarted || types[len(types)-1] != events.RunCompleted {
		t.Errorf("events = %v", types)
	}
	var sawSummary bool
	for _, typ := range types {
		if typ == events.SummaryWritten {
			sawSummary = true
		}
	}
	if !sawSummary {
		t.Errorf("no %s event in %v", events.SummaryWritten, types)
	}
}
