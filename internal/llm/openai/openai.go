// Package openai implements llm.Provider for the OpenAI Chat Completions API
// and compatible endpoints (Ollama, vLLM, OpenRouter).
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/kodo/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 4096

	// DefaultModel is the model used by the coding agent.
	DefaultModel = "gpt-4.1"
)

var _ llm.Provider = (*Client)(nil)

// Client implements llm.Provider using the OpenAI Chat Completions API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	name    string
	caller  *llm.HTTPCaller
	logger  *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.caller.Client = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) {
		c.name = name
		c.caller.Provider = name
	}
}

// WithMaxRetries bounds the attempts made for one request.
func WithMaxRetries(n uint) Option {
	return func(c *Client) { c.caller.MaxTries = n }
}

// WithRetryInterval sets the first backoff delay between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.caller.InitialInterval = d }
}

// NewClient creates an OpenAI-compatible provider.
// For Ollama, use WithBaseURL("http://localhost:11434") and WithName("ollama").
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		name:    "openai",
		caller:  &llm.HTTPCaller{Provider: "openai"},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// SendMessage sends the conversation to the Chat Completions endpoint.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var out chatResponse
	if err := c.caller.PostJSON(ctx, c.baseURL+completionsPath, header, c.buildRequest(req), &out); err != nil {
		return nil, err
	}
	resp := toResponse(&out)
	for _, b := range resp.ToolUseBlocks() {
		if b.InputError != "" {
			c.logger.WarnContext(ctx, "malformed tool call arguments",
				slog.String("provider", c.name),
				slog.String("tool", b.Name),
				slog.String("tool_call_id", b.ID),
				slog.String("error", b.InputError),
			)
		}
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

func (c *Client) buildRequest(req *llm.Request) chatRequest {
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, fromMessage(m)...)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	out := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: functionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

// fromMessage maps one conversation turn onto Chat Completions messages.
// Assistant tool_use blocks become tool_calls on a single message; user
// tool_result blocks become one "tool" message each.
func fromMessage(m llm.Message) []chatMessage {
	if len(m.ContentBlocks) == 0 {
		return []chatMessage{{Role: string(m.Role), Content: m.Content}}
	}

	var text strings.Builder
	if m.Role == llm.RoleAssistant {
		msg := chatMessage{Role: "assistant"}
		for _, b := range m.ContentBlocks {
			switch b.Type {
			case llm.BlockText:
				text.WriteString(b.Text)
			case llm.BlockToolUse:
				args, _ := json.Marshal(b.Input)
				msg.ToolCalls = append(msg.ToolCalls, toolCall{
					ID:       b.ID,
					Type:     "function",
					Function: functionCall{Name: b.Name, Arguments: string(args)},
				})
			}
		}
		msg.Content = text.String()
		return []chatMessage{msg}
	}

	var msgs []chatMessage
	for _, b := range m.ContentBlocks {
		switch b.Type {
		case llm.BlockText:
			text.WriteString(b.Text)
		case llm.BlockToolResult:
			msgs = append(msgs, chatMessage{Role: "tool", Content: b.Text, ToolCallID: b.ToolUseID})
		}
	}
	if text.Len() > 0 {
		msgs = append([]chatMessage{{Role: "user", Content: text.String()}}, msgs...)
	}
	return msgs
}

func toResponse(in *chatResponse) *llm.Response {
	resp := &llm.Response{
		Usage: llm.Usage{
			InputTokens:  in.Usage.PromptTokens,
			OutputTokens: in.Usage.CompletionTokens,
		},
	}
	if len(in.Choices) == 0 {
		return resp
	}

	ch := in.Choices[0]
	if ch.Message.Content != "" {
		resp.Content = ch.Message.Content
		resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(ch.Message.Content))
	}
	for _, tc := range ch.Message.ToolCalls {
		var input map[string]any
		var inputErr string
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				input = nil
				inputErr = fmt.Sprintf("arguments are not a JSON object: %v", err)
			}
		}
		if input == nil {
			input = map[string]any{}
		}
		block := llm.ToolUseBlock(tc.ID, tc.Function.Name, input)
		block.InputError = inputErr
		resp.ContentBlocks = append(resp.ContentBlocks, block)
	}
	resp.StopReason = normalizeFinishReason(ch.FinishReason)
	return resp
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}
