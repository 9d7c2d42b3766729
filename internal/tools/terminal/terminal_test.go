package terminal

import (
	"context"
	"strings"
	"testing"

	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/runstate"
	"github.com/jkaninda/kodo/internal/sandbox"
	"github.com/jkaninda/kodo/internal/sandbox/sandboxtest"
	"github.com/jkaninda/kodo/internal/step"
	"github.com/jkaninda/kodo/internal/tools"
)

func newInvocation(t *testing.T, p *sandboxtest.Provider, params map[string]any) *tools.Invocation {
	t.Helper()
	id, err := p.Create(context.Background(), "kodo-nextjs-02")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return &tools.Invocation{
		Env: &tools.Env{
			RunID:     "run-1",
			SandboxID: id,
			Sandboxes: p,
			State:     runstate.New(),
			Steps:     step.NewRunner(step.NewMemoryStore(), nil, nil),
		},
		Name:   "terminal",
		Params: params,
	}
}

func TestTerminal_ReturnsStdout(t *testing.T) {
	p := sandboxtest.NewProvider()
	p.OnCommand = func(cmd string, onStdout, _ func(string)) (*sandbox.CommandResult, error) {
		onStdout("added 1 package\n")
		return &sandbox.CommandResult{Stdout: "added 1 package\n"}, nil
	}
	inv := newInvocation(t, p, map[string]any{"commands": "npm install left-pad --yes"})

	out, err := New().Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "added 1 package\n" {
		t.Errorf("out = %q", out)
	}
	if len(p.Commands) != 1 || p.Commands[0] != "npm install left-pad --yes" {
		t.Errorf("commands = %v", p.Commands)
	}
}

func TestTerminal_FailureIsContent(t *testing.T) {
	p := sandboxtest.NewProvider()
	p.OnCommand = func(_ string, onStdout, onStderr func(string)) (*sandbox.CommandResult, error) {
		onStdout("partial")
		onStderr("boom")
		return &sandbox.CommandResult{Stdout: "partial", Stderr: "boom", ExitCode: 2},
			&sandbox.CommandError{ExitCode: 2, Stdout: "partial", Stderr: "boom"}
	}
	inv := newInvocation(t, p, map[string]any{"commands": "false"})

	out, err := New().Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("failing command must not raise: %v", err)
	}
	for _, want := range []string{"Command failed: exit status 2", "stdout: partial", "stderr: boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("out = %q, missing %q", out, want)
		}
	}
}

func TestTerminal_FailureWithEmptyBuffersHasMarkers(t *testing.T) {
	p := sandboxtest.NewProvider()
	p.OnCommand = func(string, func(string), func(string)) (*sandbox.CommandResult, error) {
		return nil, &sandbox.CommandError{ExitCode: 127}
	}
	inv := newInvocation(t, p, map[string]any{"commands": "nope"})

	out, _ := New().Execute(context.Background(), inv)
	if !strings.Contains(out, "stdout:") || !strings.Contains(out, "stderr:") {
		t.Errorf("out = %q, want stdout: and stderr: markers", out)
	}
}

func TestTerminal_UnknownSandboxIsContent(t *testing.T) {
	p := sandboxtest.NewProvider()
	inv := newInvocation(t, p, map[string]any{"commands": "ls"})
	inv.Env.SandboxID = "gone"

	out, err := New().Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out, "Command failed:") {
		t.Errorf("out = %q", out)
	}
}

func TestTerminal_MemoizedPerInvocation(t *testing.T) {
	p := sandboxtest.NewProvider()
	inv := newInvocation(t, p, map[string]any{"commands": "date"})
	tool := New()

	first, _ := tool.Execute(context.Background(), inv)
	second, _ := tool.Execute(context.Background(), inv)
	if len(p.Commands) != 1 {
		t.Errorf("commands run = %d, want 1 (replayed)", len(p.Commands))
	}
	if first != second {
		t.Errorf("replay = %q, want %q", second, first)
	}

	next := *inv
	next.CallIndex = 1
	if _, err := tool.Execute(context.Background(), &next); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(p.Commands) != 2 {
		t.Errorf("commands run = %d, want 2 (distinct call index)", len(p.Commands))
	}
}

func TestTerminal_StreamsOutputEvents(t *testing.T) {
	p := sandboxtest.NewProvider()
	p.OnCommand = func(_ string, onStdout, onStderr func(string)) (*sandbox.CommandResult, error) {
		onStdout("out")
		onStderr("err")
		return &sandbox.CommandResult{Stdout: "out"}, nil
	}
	inv := newInvocation(t, p, map[string]any{"commands": "x"})
	broker := events.NewBroker(8, nil)
	sub := broker.Subscribe(context.Background(), "run-1")
	defer sub.Close()
	inv.Env.Events = broker

	if _, err := New().Execute(context.Background(), inv); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ev := <-sub.C(); ev.Type != events.CommandStdout || ev.Data != "out" {
		t.Errorf("stdout event = %+v", ev)
	}
	if ev := <-sub.C(); ev.Type != events.CommandStderr || ev.Data != "err" {
		t.Errorf("stderr event = %+v", ev)
	}
}

func TestTerminal_MissingCommands(t *testing.T) {
	inv := newInvocation(t, sandboxtest.NewProvider(), map[string]any{})
	if _, err := New().Execute(context.Background(), inv); err == nil {
		t.Error("expected parameter error")
	}
}
