// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jkaninda/kodo/internal/llm"
)

// ErrScriptExhausted is returned once every scripted reply has been used.
var ErrScriptExhausted = errors.New("llmtest: script exhausted")

// Reply is one scripted model response. Err, when set, is returned instead.
type Reply struct {
	Response *llm.Response
	Err      error
	// Block, when non-nil, is waited on (or ctx) before replying.
	Block <-chan struct{}
}

// Provider replays Replies in order and records every request.
type Provider struct {
	mu       sync.Mutex
	replies  []Reply
	requests []*llm.Request
	// Repeat, when set, is returned after the script is exhausted.
	Repeat *Reply
}

var _ llm.Provider = (*Provider)(nil)

// NewProvider returns a provider that answers with replies in order.
func NewProvider(replies ...Reply) *Provider {
	return &Provider{replies: replies}
}

func (p *Provider) Name() string { return "scripted" }

func (p *Provider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, &cp)
	var r Reply
	switch {
	case len(p.replies) > 0:
		r = p.replies[0]
		p.replies = p.replies[1:]
	case p.Repeat != nil:
		r = *p.Repeat
	default:
		p.mu.Unlock()
		return nil, ErrScriptExhausted
	}
	p.mu.Unlock()

	if r.Block != nil {
		select {
		case <-r.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Response, nil
}

// Requests returns every request received so far.
func (p *Provider) Requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.Request(nil), p.requests...)
}

// Calls returns the number of requests received.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Text builds a reply holding a single text block.
func Text(text string) Reply {
	return Reply{Response: &llm.Response{
		Content:       text,
		ContentBlocks: []llm.ContentBlock{llm.TextBlock(text)},
		StopReason:    "end_turn",
	}}
}

// ToolCall is one tool_use block of a scripted reply.
type ToolCall struct {
	ID         string
	Name       string
	Input      map[string]any
	InputError string
}

// Tools builds a reply requesting the given tool calls, with optional text.
func Tools(text string, calls ...ToolCall) Reply {
	resp := &llm.Response{Content: text, StopReason: "tool_use"}
	if text != "" {
		resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(text))
	}
	for _, c := range calls {
		block := llm.ToolUseBlock(c.ID, c.Name, c.Input)
		block.InputError = c.InputError
		resp.ContentBlocks = append(resp.ContentBlocks, block)
	}
	return Reply{Response: resp}
}
