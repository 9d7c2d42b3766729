package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/kodo/internal/llm"
	"github.com/jkaninda/kodo/internal/llm/llmtest"
	"github.com/jkaninda/kodo/internal/runstate"
	"github.com/jkaninda/kodo/internal/sandbox"
	"github.com/jkaninda/kodo/internal/sandbox/sandboxtest"
	"github.com/jkaninda/kodo/internal/step"
	"github.com/jkaninda/kodo/internal/tools"
	"github.com/jkaninda/kodo/internal/tools/files"
	"github.com/jkaninda/kodo/internal/tools/terminal"
)

func newEnv(t *testing.T, p *sandboxtest.Provider, store step.Store) *tools.Env {
	t.Helper()
	id, err := p.Create(context.Background(), "kodo-nextjs-02")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return &tools.Env{
		RunID:     "run-1",
		SandboxID: id,
		Sandboxes: p,
		State:     runstate.New(),
		Steps:     step.NewRunner(store, nil, nil),
	}
}

func newRegistry() *tools.Registry {
	return tools.NewRegistry(terminal.New(), files.NewWriteTool(), files.NewReadTool())
}

func writeCall(id, path, content string) llmtest.ToolCall {
	return llmtest.ToolCall{ID: id, Name: "CreateOrUpdateFile", Input: map[string]any{
		"files": []any{map[string]any{"path": path, "content": content}},
	}}
}

// --- Turns ---

func TestTurn_SendsModelConfig(t *testing.T) {
	p := llmtest.NewProvider(llmtest.Text("thinking"))
	env := newEnv(t, sandboxtest.NewProvider(), step.NewMemoryStore())
	a := New(p, newRegistry())

	if _, err := a.Start(env, TaskPrompt("nextjs", "hi")).Turn(context.Background(), 0); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	req := p.Requests()[0]
	if req.SystemPrompt != SystemPrompt {
		t.Error("system prompt not sent")
	}
	if req.Temperature == nil || *req.Temperature != DefaultTemperature {
		t.Errorf("temperature = %v, want %v", req.Temperature, DefaultTemperature)
	}
	var names []string
	for _, d := range req.Tools {
		names = append(names, d.Name)
	}
	if got := strings.Join(names, ","); got != "CreateOrUpdateFile,readFiles,terminal" {
		t.Errorf("tools = %s", got)
	}
	if req.Messages[0].Content != "framework: nextjs\n\nhi" {
		t.Errorf("first message = %q", req.Messages[0].Content)
	}
}

func TestTurn_ExecutesToolCallsInOrder(t *testing.T) {
	p := llmtest.NewProvider(llmtest.Tools("",
		writeCall("c1", "a", "1"),
		llmtest.ToolCall{ID: "c2", Name: "terminal", Input: map[string]any{"commands": "ls"}},
		writeCall("c3", "a", "3"),
	))
	sbx := sandboxtest.NewProvider()
	env := newEnv(t, sbx, step.NewMemoryStore())
	conv := New(p, newRegistry()).Start(env, "go")

	res, err := conv.Turn(context.Background(), 0)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res.ToolCalls != 3 {
		t.Errorf("ToolCalls = %d, want 3", res.ToolCalls)
	}
	if got := env.State.Files()["a"]; got != "3" {
		t.Errorf("state a = %q, want 3 (later call wins)", got)
	}

	hist := conv.History()
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	results := hist[2].ContentBlocks
	if len(results) != 3 || results[0].ToolUseID != "c1" || results[2].ToolUseID != "c3" {
		t.Fatalf("tool results = %+v", results)
	}
	if results[0].Text != emptyToolOutput {
		t.Errorf("empty write result = %q, want placeholder", results[0].Text)
	}
	if results[1].Text != "ls" {
		t.Errorf("terminal result = %q", results[1].Text)
	}
}

func TestTurn_ToolFailureIsObservation(t *testing.T) {
	p := llmtest.NewProvider(llmtest.Tools("", llmtest.ToolCall{ID: "c1", Name: "terminal", Input: map[string]any{"commands": "false"}}))
	sbx := sandboxtest.NewProvider()
	sbx.OnCommand = func(string, func(string), func(string)) (*sandbox.CommandResult, error) {
		return nil, &sandbox.CommandError{ExitCode: 1}
	}
	env := newEnv(t, sbx, step.NewMemoryStore())
	conv := New(p, newRegistry()).Start(env, "go")

	if _, err := conv.Turn(context.Background(), 0); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	res := conv.History()[2].ContentBlocks[0]
	if res.IsError || !strings.HasPrefix(res.Text, "Command failed:") {
		t.Errorf("result = %+v", res)
	}
}

func TestTurn_UnknownToolReportedAsError(t *testing.T) {
	p := llmtest.NewProvider(llmtest.Tools("", llmtest.ToolCall{ID: "c1", Name: "browser"}))
	env := newEnv(t, sandboxtest.NewProvider(), step.NewMemoryStore())
	conv := New(p, newRegistry()).Start(env, "go")

	if _, err := conv.Turn(context.Background(), 0); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if res := conv.History()[2].ContentBlocks[0]; !res.IsError {
		t.Errorf("result = %+v, want error", res)
	}
}

func TestTurn_MalformedArgumentsReportedWithoutExecuting(t *testing.T) {
	p := llmtest.NewProvider(llmtest.Tools("", llmtest.ToolCall{
		ID:         "c1",
		Name:       "terminal",
		Input:      map[string]any{},
		InputError: "arguments are not a JSON object: unexpected end of JSON input",
	}))
	sbx := sandboxtest.NewProvider()
	ran := false
	sbx.OnCommand = func(string, func(string), func(string)) (*sandbox.CommandResult, error) {
		ran = true
		return &sandbox.CommandResult{}, nil
	}
	env := newEnv(t, sbx, step.NewMemoryStore())
	conv := New(p, newRegistry()).Start(env, "go")

	if _, err := conv.Turn(context.Background(), 0); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	res := conv.History()[2].ContentBlocks[0]
	if !res.IsError || res.ToolUseID != "c1" || !strings.Contains(res.Text, "unexpected end of JSON input") {
		t.Errorf("result = %+v", res)
	}
	if ran {
		t.Error("tool executed despite malformed arguments")
	}
}

func TestTurn_ModelErrorIsFatal(t *testing.T) {
	boom := errors.New("upstream 500")
	p := llmtest.NewProvider(llmtest.Reply{Err: boom})
	env := newEnv(t, sandboxtest.NewProvider(), step.NewMemoryStore())

	_, err := New(p, newRegistry()).Start(env, "go").Turn(context.Background(), 0)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestTurn_ContinuePromptAfterPlainReply(t *testing.T) {
	p := llmtest.NewProvider(llmtest.Text("Let me look around."), llmtest.Text("ok"))
	env := newEnv(t, sandboxtest.NewProvider(), step.NewMemoryStore())
	conv := New(p, newRegistry()).Start(env, "go")

	for i := 0; i < 2; i++ {
		if _, err := conv.Turn(context.Background(), i); err != nil {
			t.Fatalf("Turn %d: %v", i, err)
		}
	}
	msgs := p.Requests()[1].Messages
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleUser || !strings.Contains(last.Content, SummaryOpenTag) {
		t.Errorf("last message = %+v", last)
	}
}

// --- Hook ---

func TestTurn_HookRecordsSummary(t *testing.T) {
	p := llmtest.NewProvider(llmtest.Text("<task_summary>\nCreated hello page.\n</task_summary>"))
	env := newEnv(t, sandboxtest.NewProvider(), step.NewMemoryStore())

	if _, err := New(p, newRegistry()).Start(env, "go").Turn(context.Background(), 0); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if got := env.State.Summary(); got != "Created hello page." {
		t.Errorf("summary = %q", got)
	}
}

func TestTurn_HookRunsBeforeTools(t *testing.T) {
	p := llmtest.NewProvider(llmtest.Tools("<task_summary>done</task_summary>", writeCall("c1", "a", "1")))
	env := newEnv(t, sandboxtest.NewProvider(), step.NewMemoryStore())
	var filesAtHook int
	hook := HookFunc(func(ctx context.Context, env *tools.Env, resp *llm.Response) {
		filesAtHook = len(env.State.Files())
		SummaryHook{}.OnResponse(ctx, env, resp)
	})

	if _, err := New(p, newRegistry(), WithHook(hook)).Start(env, "go").Turn(context.Background(), 0); err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if filesAtHook != 0 {
		t.Errorf("hook saw %d files, want 0", filesAtHook)
	}
	if env.State.Summary() != "done" || env.State.Files()["a"] != "1" {
		t.Errorf("state = %+v", env.State.Snapshot())
	}
}

func TestSummaryHook_IgnoresPlainText(t *testing.T) {
	env := &tools.Env{State: runstate.New()}
	SummaryHook{}.OnResponse(context.Background(), env, &llm.Response{Content: "working"})
	SummaryHook{}.OnResponse(context.Background(), env, nil)
	if env.State.Summary() != "" {
		t.Errorf("summary = %q, want empty", env.State.Summary())
	}
}

// --- Replay ---

func TestTurn_ReplayUsesRecordedInference(t *testing.T) {
	store := step.NewMemoryStore()
	sbx := sandboxtest.NewProvider()
	env := newEnv(t, sbx, store)
	first := llmtest.NewProvider(llmtest.Tools("", writeCall("c1", "app/page.tsx", "v1")))
	if _, err := New(first, newRegistry()).Start(env, "go").Turn(context.Background(), 0); err != nil {
		t.Fatalf("Turn: %v", err)
	}

	// A resumed run with a model that would answer differently.
	second := llmtest.NewProvider(llmtest.Text("something else"))
	env.State = runstate.New()
	res, err := New(second, newRegistry()).Start(env, "go").Turn(context.Background(), 0)
	if err != nil {
		t.Fatalf("replay Turn: %v", err)
	}
	if second.Calls() != 0 {
		t.Errorf("model called %d times on replay", second.Calls())
	}
	if res.ToolCalls != 1 || env.State.Files()["app/page.tsx"] != "v1" {
		t.Errorf("replayed turn = %+v, files = %v", res, env.State.Files())
	}
}
