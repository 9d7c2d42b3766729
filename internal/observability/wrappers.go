package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kodo/internal/llm"
	"github.com/jkaninda/kodo/internal/sandbox"
	"github.com/jkaninda/kodo/internal/tools"
)

// modeler is implemented by providers that report the model they call.
type modeler interface {
	Model() string
}

func tracerOf(ts *TracerSetup) trace.Tracer {
	if ts == nil {
		return nil
	}
	return ts.Tracer()
}

func recordSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.Provider
	model   string
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var model string
	if m, ok := inner.(modeler); ok {
		model = m.Model()
	}
	return &InstrumentedProvider{
		inner:   inner,
		model:   model,
		metrics: metrics,
		tracer:  tracerOf(ts),
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.String("llm.model", p.model),
				attribute.Int("llm.messages", len(req.Messages)),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			recordSpanError(ctx, err)
		}
	} else if p.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("llm.stop_reason", resp.StopReason),
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		)
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, p.model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider, p.model).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, p.model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, p.model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Provider so that every session it
// hands out records per-operation metrics and spans.
type InstrumentedSandbox struct {
	inner   sandbox.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandbox wraps a sandbox provider with observability.
func NewInstrumentedSandbox(inner sandbox.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
	}
}

func (s *InstrumentedSandbox) Name() string { return s.inner.Name() }

// Ping forwards to the wrapped provider when it supports health checks.
func (s *InstrumentedSandbox) Ping(ctx context.Context) error {
	if p, ok := s.inner.(sandbox.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *InstrumentedSandbox) Create(ctx context.Context, templateID string) (string, error) {
	var id string
	err := s.observe(ctx, "create", []attribute.KeyValue{attribute.String("sandbox.template", templateID)},
		func(ctx context.Context) error {
			var err error
			id, err = s.inner.Create(ctx, templateID)
			return err
		})
	return id, err
}

func (s *InstrumentedSandbox) Get(ctx context.Context, sessionID string) (sandbox.Session, error) {
	var sess sandbox.Session
	err := s.observe(ctx, "get", []attribute.KeyValue{attribute.String("sandbox.session_id", sessionID)},
		func(ctx context.Context) error {
			var err error
			sess, err = s.inner.Get(ctx, sessionID)
			return err
		})
	if err != nil {
		return nil, err
	}
	return &instrumentedSession{inner: sess, parent: s}, nil
}

// observe times op, counting a *sandbox.CommandError as "nonzero_exit"
// rather than a provider failure.
func (s *InstrumentedSandbox) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	provider := s.inner.Name()
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox."+op,
			trace.WithAttributes(append(attrs, attribute.String("sandbox.provider", provider))...))
		defer span.End()
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	status := "success"
	var cmdErr *sandbox.CommandError
	switch {
	case errors.As(err, &cmdErr):
		status = "nonzero_exit"
		if s.tracer != nil {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int("sandbox.exit_code", cmdErr.ExitCode))
		}
	case err != nil:
		status = "error"
		if s.tracer != nil {
			recordSpanError(ctx, err)
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxOperationsTotal.WithLabelValues(provider, op, status).Inc()
		s.metrics.SandboxOperationDuration.WithLabelValues(provider, op).Observe(duration)
	}
	return err
}

type instrumentedSession struct {
	inner  sandbox.Session
	parent *InstrumentedSandbox
}

func (s *instrumentedSession) ID() string { return s.inner.ID() }

func (s *instrumentedSession) RunCommand(ctx context.Context, cmd string, onStdout, onStderr func(string)) (*sandbox.CommandResult, error) {
	var res *sandbox.CommandResult
	err := s.parent.observe(ctx, "run_command", []attribute.KeyValue{attribute.String("sandbox.session_id", s.inner.ID())},
		func(ctx context.Context) error {
			var err error
			res, err = s.inner.RunCommand(ctx, cmd, onStdout, onStderr)
			return err
		})
	return res, err
}

func (s *instrumentedSession) WriteFile(ctx context.Context, path, content string) error {
	return s.parent.observe(ctx, "write_file", []attribute.KeyValue{attribute.String("sandbox.path", path)},
		func(ctx context.Context) error {
			return s.inner.WriteFile(ctx, path, content)
		})
}

func (s *instrumentedSession) ReadFile(ctx context.Context, path string) (string, error) {
	var content string
	err := s.parent.observe(ctx, "read_file", []attribute.KeyValue{attribute.String("sandbox.path", path)},
		func(ctx context.Context) error {
			var err error
			content, err = s.inner.ReadFile(ctx, path)
			return err
		})
	return content, err
}

func (s *instrumentedSession) PublicEndpoint(port int) (string, error) {
	return s.inner.PublicEndpoint(port)
}

// --- InstrumentedTool ---

// InstrumentedTool wraps a tools.Tool with execution metrics and a span.
type InstrumentedTool struct {
	inner   tools.Tool
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedTool wraps a tool with observability.
func NewInstrumentedTool(inner tools.Tool, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedTool {
	return &InstrumentedTool{inner: inner, metrics: metrics, tracer: tracerOf(ts)}
}

// InstrumentTools wraps each tool, returning them unchanged when both
// metrics and tracing are disabled.
func InstrumentTools(ts []tools.Tool, metrics *MetricsCollector, tracer *TracerSetup) []tools.Tool {
	if metrics == nil && tracer == nil {
		return ts
	}
	out := make([]tools.Tool, len(ts))
	for i, t := range ts {
		out[i] = NewInstrumentedTool(t, metrics, tracer)
	}
	return out
}

func (t *InstrumentedTool) Name() string                { return t.inner.Name() }
func (t *InstrumentedTool) Description() string         { return t.inner.Description() }
func (t *InstrumentedTool) InputSchema() map[string]any { return t.inner.InputSchema() }

func (t *InstrumentedTool) Execute(ctx context.Context, inv *tools.Invocation) (string, error) {
	name := t.inner.Name()
	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(
				attribute.String("tool.name", name),
				attribute.String("tool.correlation_id", inv.CorrelationID()),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := t.inner.Execute(ctx, inv)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "rejected"
		if t.tracer != nil {
			recordSpanError(ctx, err)
		}
	}
	if t.metrics != nil {
		t.metrics.ToolExecutionsTotal.WithLabelValues(name, status).Inc()
		t.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(duration)
	}
	return out, err
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider     = (*InstrumentedProvider)(nil)
	_ sandbox.Provider = (*InstrumentedSandbox)(nil)
	_ sandbox.Session  = (*instrumentedSession)(nil)
	_ tools.Tool       = (*InstrumentedTool)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
