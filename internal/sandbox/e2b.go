package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	e2bDefaultDomain     = "e2b.app"
	e2bDefaultTimeoutSec = 600
	e2bEnvdPort          = 49983
	e2bHTTPTimeout       = 10 * time.Minute
)

// E2BConfig configures the E2B provider.
type E2BConfig struct {
	APIKey string
	// Domain is the E2B domain. Default: e2b.app.
	Domain string
	// APIURL is the control plane URL. Default: https://api.<Domain>.
	APIURL string
	// TimeoutSec is how long an idle sandbox is kept alive by E2B.
	TimeoutSec int
}

// E2BOption configures optional E2BProvider settings.
type E2BOption func(*E2BProvider)

// WithE2BHTTPClient sets a custom HTTP client.
func WithE2BHTTPClient(c *http.Client) E2BOption {
	return func(p *E2BProvider) { p.httpClient = c }
}

// WithEnvdURL overrides how the envd data plane URL is derived for a sandbox.
func WithEnvdURL(fn func(sandboxID, domain string) string) E2BOption {
	return func(p *E2BProvider) { p.envdURL = fn }
}

// E2BProvider talks to E2B managed sandboxes over REST. The control plane
// creates and connects sandboxes; the per-sandbox envd API serves files and
// commands.
type E2BProvider struct {
	config     E2BConfig
	httpClient *http.Client
	envdURL    func(sandboxID, domain string) string
	logger     *slog.Logger

	mu        sync.RWMutex
	sandboxes map[string]*e2bSandbox
	// processOnly records sandboxes whose envd has no /commands/run.
	processOnly map[string]bool
}

type e2bSandbox struct {
	id          string
	domain      string
	accessToken string
}

// NewE2BProvider creates an E2B provider.
func NewE2BProvider(cfg E2BConfig, logger *slog.Logger, opts ...E2BOption) (*E2BProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("E2B API key is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = e2bDefaultDomain
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api." + cfg.Domain
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = e2bDefaultTimeoutSec
	}
	p := &E2BProvider{
		config:     cfg,
		httpClient: &http.Client{Timeout: e2bHTTPTimeout},
		envdURL: func(sandboxID, domain string) string {
			return fmt.Sprintf("https://%d-%s.%s", e2bEnvdPort, sandboxID, domain)
		},
		logger:      logger,
		sandboxes:   make(map[string]*e2bSandbox),
		processOnly: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *E2BProvider) Name() string { return "e2b" }

// Ping lists running sandboxes, which fails on a bad API key or an
// unreachable control plane.
func (p *E2BProvider) Ping(ctx context.Context) error {
	var sandboxes []json.RawMessage
	if err := p.controlPlaneCall(ctx, http.MethodGet, "/sandboxes", nil, &sandboxes); err != nil {
		return fmt.Errorf("e2b control plane: %w", err)
	}
	return nil
}

// Create provisions a sandbox from templateID.
func (p *E2BProvider) Create(ctx context.Context, templateID string) (string, error) {
	req := e2bCreateRequest{TemplateID: templateID, Timeout: p.config.TimeoutSec}
	var resp e2bSandboxResponse
	if err := p.controlPlaneCall(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return "", fmt.Errorf("creating E2B sandbox: %w", err)
	}
	if resp.SandboxID == "" {
		return "", errors.New("creating E2B sandbox: empty sandbox id in response")
	}
	p.remember(resp)

	p.logger.InfoContext(ctx, "e2b sandbox created",
		slog.String("session_id", resp.SandboxID),
		slog.String("template", templateID),
		slog.Int("timeout_sec", p.config.TimeoutSec),
	)
	return resp.SandboxID, nil
}

// Get returns a handle for sessionID, reconnecting through the control plane
// when this process has not seen the sandbox before.
func (p *E2BProvider) Get(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrSessionNotFound)
	}
	p.mu.RLock()
	sbx, ok := p.sandboxes[sessionID]
	p.mu.RUnlock()
	if ok {
		return &e2bSession{sandbox: *sbx, provider: p}, nil
	}

	var resp e2bSandboxResponse
	body := map[string]int{"timeout": p.config.TimeoutSec}
	if err := p.controlPlaneCall(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(sessionID)+"/connect", body, &resp); err != nil {
		var apiErr *e2bAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("connecting to E2B sandbox %s: %w", sessionID, err)
	}
	if resp.SandboxID == "" {
		resp.SandboxID = sessionID
	}
	return &e2bSession{sandbox: *p.remember(resp), provider: p}, nil
}

func (p *E2BProvider) remember(resp e2bSandboxResponse) *e2bSandbox {
	domain := resp.Domain
	if domain == "" {
		domain = p.config.Domain
	}
	sbx := &e2bSandbox{id: resp.SandboxID, domain: domain, accessToken: resp.EnvdAccessToken}
	p.mu.Lock()
	p.sandboxes[sbx.id] = sbx
	p.mu.Unlock()
	return sbx
}

type e2bSession struct {
	sandbox  e2bSandbox
	provider *E2BProvider
}

func (s *e2bSession) ID() string { return s.sandbox.id }

// RunCommand runs cmd through envd. Newer envd versions answer
// /commands/run once the process has exited, so the callbacks receive each
// stream in one chunk. When that endpoint is missing the command is started
// through the process service instead, which streams output as it arrives.
func (s *e2bSession) RunCommand(ctx context.Context, command string, onStdout, onStderr func(string)) (*CommandResult, error) {
	p := s.provider
	p.mu.RLock()
	processOnly := p.processOnly[s.sandbox.id]
	p.mu.RUnlock()

	if !processOnly {
		res, err := s.runViaCommandsAPI(ctx, command, onStdout, onStderr)
		var statusErr *envdStatusError
		if !errors.As(err, &statusErr) || !statusErr.unsupported() {
			return res, err
		}
		p.logger.DebugContext(ctx, "envd /commands/run not available, using process service",
			slog.String("session_id", s.sandbox.id),
			slog.Int("status", statusErr.StatusCode),
		)
		p.mu.Lock()
		p.processOnly[s.sandbox.id] = true
		p.mu.Unlock()
	}
	return s.runViaProcessService(ctx, command, onStdout, onStderr)
}

func (s *e2bSession) runViaCommandsAPI(ctx context.Context, command string, onStdout, onStderr func(string)) (*CommandResult, error) {
	reqBody := map[string]any{
		"cmd":  "/bin/bash",
		"args": []string{"-l", "-c", command},
	}
	var out struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	}
	if err := s.envdJSON(ctx, "/commands/run", reqBody, &out); err != nil {
		return nil, err
	}
	if len(out.Stdout) > maxOutputBytes {
		out.Stdout = out.Stdout[:maxOutputBytes]
	}
	if onStdout != nil && out.Stdout != "" {
		onStdout(out.Stdout)
	}
	if onStderr != nil && out.Stderr != "" {
		onStderr(out.Stderr)
	}
	return commandOutcome(out.Stdout, out.Stderr, out.ExitCode)
}

func commandOutcome(stdout, stderr string, exitCode int) (*CommandResult, error) {
	result := &CommandResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if exitCode != 0 {
		return result, &CommandError{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}
	}
	return result, nil
}

// Connect streaming envelope flags.
const (
	connectFlagEndStream = 0x02
	connectMaxFrame      = 16 << 20
)

// processEvent is one message of the envd process.Process/Start stream.
// Output bytes are base64 encoded, as protobuf JSON encodes bytes fields.
type processEvent struct {
	Event struct {
		Data *struct {
			Stdout string `json:"stdout"`
			Stderr string `json:"stderr"`
		} `json:"data"`
		End *struct {
			ExitCode int    `json:"exitCode"`
			Exited   bool   `json:"exited"`
			Error    string `json:"error"`
		} `json:"end"`
	} `json:"event"`
}

// runViaProcessService starts command with the envd Connect process service
// and collects its streamed output until the end event.
func (s *e2bSession) runViaProcessService(ctx context.Context, command string, onStdout, onStderr func(string)) (*CommandResult, error) {
	msg, err := json.Marshal(map[string]any{
		"process": map[string]any{
			"cmd":  "/bin/bash",
			"args": []string{"-l", "-c", command},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling process request: %w", err)
	}
	frame := make([]byte, 5+len(msg))
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(msg)))
	copy(frame[5:], msg)

	const path = "/process.Process/Start"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.provider.envdURL(s.sandbox.id, s.sandbox.domain)+path, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/connect+json")
	httpReq.Header.Set("Connect-Protocol-Version", "1")
	httpReq.SetBasicAuth("user", "")
	s.authorize(httpReq)

	resp, err := s.provider.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("envd %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &envdStatusError{Path: path, StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	var stdout, stderr bytes.Buffer
	header := make([]byte, 5)
	for {
		if _, err := io.ReadFull(resp.Body, header); err != nil {
			return nil, fmt.Errorf("envd %s: stream ended before the process exited: %w", path, err)
		}
		size := binary.BigEndian.Uint32(header[1:5])
		if size > connectMaxFrame {
			return nil, fmt.Errorf("envd %s: frame of %d bytes exceeds limit", path, size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(resp.Body, payload); err != nil {
			return nil, fmt.Errorf("envd %s: reading frame: %w", path, err)
		}

		if header[0]&connectFlagEndStream != 0 {
			var end struct {
				Error *struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(payload, &end); err == nil && end.Error != nil {
				return nil, fmt.Errorf("envd %s: %s: %s", path, end.Error.Code, end.Error.Message)
			}
			return nil, fmt.Errorf("envd %s: stream ended before the process exited", path)
		}

		var ev processEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("envd %s: decoding event: %w", path, err)
		}
		if d := ev.Event.Data; d != nil {
			if chunk, err := base64.StdEncoding.DecodeString(d.Stdout); err == nil && len(chunk) > 0 {
				if room := maxOutputBytes - stdout.Len(); room > 0 {
					if len(chunk) > room {
						chunk = chunk[:room]
					}
					stdout.Write(chunk)
				}
				if onStdout != nil {
					onStdout(string(chunk))
				}
			}
			if chunk, err := base64.StdEncoding.DecodeString(d.Stderr); err == nil && len(chunk) > 0 {
				stderr.Write(chunk)
				if onStderr != nil {
					onStderr(string(chunk))
				}
			}
		}
		if end := ev.Event.End; end != nil {
			if end.Error != "" && stderr.Len() == 0 {
				stderr.WriteString(end.Error)
			}
			return commandOutcome(stdout.String(), stderr.String(), end.ExitCode)
		}
	}
}

func (s *e2bSession) WriteFile(ctx context.Context, path, content string) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", path)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return fmt.Errorf("writing form content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.filesURL(path), &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	s.authorize(httpReq)

	resp, err := s.provider.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("envd write %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("envd write %s failed (status %d): %s", path, resp.StatusCode, string(errBody))
	}
	return nil
}

func (s *e2bSession) ReadFile(ctx context.Context, path string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.filesURL(path), nil)
	if err != nil {
		return "", err
	}
	s.authorize(httpReq)

	resp, err := s.provider.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("envd read %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("envd read %s failed (status %d): %s", path, resp.StatusCode, string(errBody))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
	if err != nil {
		return "", fmt.Errorf("envd read %s: %w", path, err)
	}
	return string(data), nil
}

// PublicEndpoint returns "<port>-<id>.<domain>".
func (s *e2bSession) PublicEndpoint(port int) (string, error) {
	if port <= 0 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return fmt.Sprintf("%d-%s.%s", port, s.sandbox.id, s.sandbox.domain), nil
}

func (s *e2bSession) filesURL(path string) string {
	return s.provider.envdURL(s.sandbox.id, s.sandbox.domain) + "/files?path=" + url.QueryEscape(path)
}

func (s *e2bSession) authorize(req *http.Request) {
	if s.sandbox.accessToken != "" {
		req.Header.Set("X-Access-Token", s.sandbox.accessToken)
	}
}

func (s *e2bSession) envdJSON(ctx context.Context, path string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling envd request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.provider.envdURL(s.sandbox.id, s.sandbox.domain)+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	s.authorize(httpReq)

	resp, err := s.provider.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("envd %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &envdStatusError{Path: path, StatusCode: resp.StatusCode, Body: string(errBody)}
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding envd %s response: %w", path, err)
	}
	return nil
}

// envdStatusError is a non-2xx answer from the envd data plane.
type envdStatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *envdStatusError) Error() string {
	return fmt.Sprintf("envd %s failed (status %d): %s", e.Path, e.StatusCode, e.Body)
}

// unsupported reports whether the envd version lacks the endpoint.
func (e *envdStatusError) unsupported() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusMethodNotAllowed
}

// --- Control plane ---

type e2bAPIError struct {
	StatusCode int
	Body       string
}

func (e *e2bAPIError) Error() string {
	return fmt.Sprintf("E2B API error (status %d): %s", e.StatusCode, e.Body)
}

func (p *E2BProvider) controlPlaneCall(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.config.APIURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("X-API-Key", p.config.APIKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &e2bAPIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type e2bCreateRequest struct {
	TemplateID string `json:"templateID"`
	Timeout    int    `json:"timeout"`
}

type e2bSandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	EnvdAccessToken string `json:"envdAccessToken"`
	Domain          string `json:"domain,omitempty"`
}
