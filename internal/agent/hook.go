package agent

import (
	"context"
	"log/slog"

	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/llm"
	"github.com/jkaninda/kodo/internal/tools"
)

// Hook observes every model response before its tool calls run.
type Hook interface {
	OnResponse(ctx context.Context, env *tools.Env, resp *llm.Response)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, env *tools.Env, resp *llm.Response)

func (f HookFunc) OnResponse(ctx context.Context, env *tools.Env, resp *llm.Response) {
	f(ctx, env, resp)
}

// SummaryHook records the task summary in the run state once the model
// emits the sentinel. It is the only writer of the summary.
type SummaryHook struct{}

var _ Hook = SummaryHook{}

func (SummaryHook) OnResponse(ctx context.Context, env *tools.Env, resp *llm.Response) {
	text := lastAssistantText(resp)
	if text == "" {
		return
	}
	p := Parse(text)
	if p.Outcome != Terminal {
		return
	}
	env.State.SetSummary(p.Summary)
	events.Emit(env.Events, events.Event{
		RunID: env.RunID,
		Type:  events.SummaryWritten,
		Data:  p.Summary,
	})
	if env.Logger != nil {
		env.Logger.InfoContext(ctx, "task summary recorded",
			slog.String("run_id", env.RunID),
			slog.Int("summary_len", len(p.Summary)),
		)
	}
}

func lastAssistantText(resp *llm.Response) string {
	if resp == nil {
		return ""
	}
	msg := resp.Message()
	return msg.TextContent()
}
