// Package httpapi implements the HTTP API for submitting and following runs.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default 64 KiB)
//   - Per-client token bucket on run submission
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kodo/internal/dispatch"
	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/observability"
	"github.com/jkaninda/kodo/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 64 << 10 // 64 KiB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key to client name. Empty disables auth.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 64 KiB.
	Version        string

	// Limiter bounds run submissions per client. Nil disables it.
	Limiter *ratelimit.Limiter

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// RunService submits and tracks runs. *dispatch.Dispatcher implements it.
type RunService interface {
	Submit(ctx context.Context, input, framework string) (*dispatch.RunRecord, error)
	Status(ctx context.Context, id string) (*dispatch.RunRecord, error)
	List(ctx context.Context, filter dispatch.ListFilter) ([]*dispatch.RunRecord, error)
	Cancel(ctx context.Context, id string) (*dispatch.RunRecord, error)
}

var _ RunService = (*dispatch.Dispatcher)(nil)

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	runs   RunService
	broker *events.Broker
	logger *slog.Logger
	server *http.Server
	okapi  *okapi.Okapi
	group  *okapi.Group
}

// NewGateway creates an HTTP API gateway and registers its routes.
// broker may be nil, in which case the event stream endpoints are not mounted.
func NewGateway(cfg Config, runs RunService, broker *events.Broker, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		config: cfg,
		runs:   runs,
		broker: broker,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
	g.routes()
	return g
}

// Handler returns the gateway as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	return g.okapi
}

func (g *Gateway) routes() {
	middlewares := []okapi.Middleware{g.limitBody, g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append([]okapi.Middleware{observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer)}, middlewares...)
	}
	g.group = g.okapi.Group("/v1", middlewares...)

	g.group.Post("/runs", g.handleSubmit,
		okapi.DocSummary("Submit a coding task"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(SubmitRequest{}),
		okapi.DocResponse(http.StatusAccepted, dispatch.RunRecord{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/runs", g.handleList,
		okapi.DocSummary("List runs, newest first"),
		okapi.DocTags("Runs"),
		okapi.DocResponse([]dispatch.RunRecord{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/runs/{id}", g.handleGet,
		okapi.DocSummary("Get a run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(dispatch.RunRecord{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/runs/{id}/cancel", g.handleCancel,
		okapi.DocSummary("Cancel a pending or running run"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID (UUID)"),
		okapi.DocResponse(dispatch.RunRecord{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	if g.broker != nil {
		g.group.Get("/runs/{id}/stream", g.handleStream,
			okapi.DocSummary("Stream run events via SSE"),
			okapi.DocTags("Runs"),
			okapi.DocPathParam("id", "string", "Run ID (UUID)"),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		// WebSocket upgrades bypass okapi's response writer.
		g.okapi.HandleStd("GET", "/v1/runs/{id}/events", g.handleEvents)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		version := g.config.Version
		if version == "" {
			version = "dev"
		}
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Kodo",
			Version: version,
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SubmitRequest is the JSON body for POST /v1/runs.
type SubmitRequest struct {
	Input     string `json:"input"`
	Framework string `json:"framework,omitempty"` // Default: nextjs.
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if err := g.config.Limiter.Allow(clientKey(c)); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	rec, err := g.runs.Submit(c.Context(), req.Input, req.Framework)
	if err != nil {
		return g.runError(c, "", err)
	}

	g.logger.InfoContext(c.Context(), "run accepted",
		slog.String("run_id", rec.ID),
		slog.String("client", c.GetString("client")),
	)
	return c.JSON(http.StatusAccepted, rec)
}

func (g *Gateway) handleList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	filter := dispatch.ListFilter{Status: dispatch.Status(q.Get("status"))}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		filter.Limit = n
	}

	recs, err := g.runs.List(c.Context(), filter)
	if err != nil {
		return g.runError(c, "", err)
	}
	if recs == nil {
		recs = []*dispatch.RunRecord{}
	}
	return c.OK(recs)
}

func (g *Gateway) handleGet(c *okapi.Context) error {
	id := c.Param("id")
	rec, err := g.runs.Status(c.Context(), id)
	if err != nil {
		return g.runError(c, id, err)
	}
	return c.OK(rec)
}

func (g *Gateway) handleCancel(c *okapi.Context) error {
	id := c.Param("id")
	rec, err := g.runs.Cancel(c.Context(), id)
	if err != nil {
		return g.runError(c, id, err)
	}
	return c.OK(rec)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer token and stores the client name.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			return next(c)
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		client := g.lookupKey(strings.TrimPrefix(authHeader, "Bearer "))
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("client", client)
		return next(c)
	}
}

// clientKey names the caller for rate limiting: the API client when
// authenticated, otherwise the remote host.
func clientKey(c *okapi.Context) string {
	if client := c.GetString("client"); client != "" {
		return client
	}
	addr := c.Request().RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// lookupKey returns the client name for apiKey, or "" if it is unknown.
func (g *Gateway) lookupKey(apiKey string) string {
	client := ""
	for key, name := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			client = name
		}
	}
	return client
}

// limitBody caps the request body at the configured size.
func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.Body != nil {
			r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)
		}
		return next(c)
	}
}

// --- Helpers ---

// runError maps dispatcher errors to HTTP responses.
func (g *Gateway) runError(c *okapi.Context, id string, err error) error {
	switch {
	case errors.Is(err, dispatch.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, okapi.M{"error": err.Error()})
	case errors.Is(err, dispatch.ErrRunNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
	case errors.Is(err, dispatch.ErrRunFinished):
		return c.JSON(http.StatusConflict, okapi.M{"error": err.Error()})
	default:
		g.logger.ErrorContext(c.Context(), "run request failed",
			slog.String("run_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("request failed")
	}
}
