// Package anthropic implements llm.Provider for the Anthropic Messages API.
package anthropic

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/kodo/internal/llm"
)

const (
	defaultBaseURL  = "https://api.anthropic.com"
	messagesPath    = "/v1/messages"
	apiVersion      = "2023-06-01"
	defaultMaxToken = 4096
)

var _ llm.Provider = (*Client)(nil)

// Client implements llm.Provider using the Anthropic Messages API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	caller  *llm.HTTPCaller
	logger  *slog.Logger
}

// Option configures the Anthropic client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.caller.Client = hc }
}

// WithMaxRetries bounds the attempts made for one request.
func WithMaxRetries(n uint) Option {
	return func(c *Client) { c.caller.MaxTries = n }
}

// WithRetryInterval sets the first backoff delay between attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.caller.InitialInterval = d }
}

// NewClient creates an Anthropic provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		caller:  &llm.HTTPCaller{Provider: "anthropic"},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "anthropic" }

// SendMessage sends the conversation to the Messages API.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	header := http.Header{}
	header.Set("X-API-Key", c.apiKey)
	header.Set("Anthropic-Version", apiVersion)

	var out messagesResponse
	if err := c.caller.PostJSON(ctx, c.baseURL+messagesPath, header, c.buildRequest(req), &out); err != nil {
		return nil, err
	}
	resp := toResponse(&out)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", "anthropic"),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

func (c *Client) buildRequest(req *llm.Request) messagesRequest {
	msgs := make([]message, len(req.Messages))
	for i, m := range req.Messages {
		if len(m.ContentBlocks) == 0 {
			msgs[i] = message{Role: string(m.Role), Content: m.Content}
			continue
		}
		blocks := make([]block, len(m.ContentBlocks))
		for j, b := range m.ContentBlocks {
			blocks[j] = fromBlock(b)
		}
		msgs[i] = message{Role: string(m.Role), Content: blocks}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxToken
	}

	out := messagesRequest{
		Model:       c.model,
		System:      req.SystemPrompt,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

func toResponse(in *messagesResponse) *llm.Response {
	resp := &llm.Response{
		StopReason: in.StopReason,
		Usage: llm.Usage{
			InputTokens:  in.Usage.InputTokens,
			OutputTokens: in.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, b := range in.Content {
		switch b.Type {
		case llm.BlockText:
			text.WriteString(b.Text)
			resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(b.Text))
		case llm.BlockToolUse:
			input := b.Input
			if input == nil {
				input = map[string]any{}
			}
			resp.ContentBlocks = append(resp.ContentBlocks, llm.ToolUseBlock(b.ID, b.Name, input))
		}
	}
	resp.Content = text.String()
	return resp
}

func fromBlock(b llm.ContentBlock) block {
	out := block{Type: b.Type}
	switch b.Type {
	case llm.BlockText:
		out.Text = b.Text
	case llm.BlockToolUse:
		out.ID = b.ID
		out.Name = b.Name
		out.Input = b.Input
		if out.Input == nil {
			out.Input = map[string]any{}
		}
	case llm.BlockToolResult:
		out.ToolUseID = b.ToolUseID
		out.Content = b.Text
		out.IsError = b.IsError
	}
	return out
}
