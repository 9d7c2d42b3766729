package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeE2B serves both the control plane and a single envd data plane.
type fakeE2B struct {
	mu    sync.Mutex
	files map[string]string
	token string

	// processOnly makes envd answer 404 on /commands/run, as older envd
	// builds do, leaving only the process service.
	processOnly  bool
	commandsHits int
}

func (f *fakeE2B) controlPlane(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes":
			var req e2bCreateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.TemplateID != "kodo-nextjs-02" {
				t.Errorf("templateID = %q, want %q", req.TemplateID, "kodo-nextjs-02")
			}
			_ = json.NewEncoder(w).Encode(e2bSandboxResponse{SandboxID: "sbx123", EnvdAccessToken: f.token, Domain: "e2b.test"})
		case r.Method == http.MethodGet && r.URL.Path == "/sandboxes":
			_, _ = w.Write([]byte(`[]`))
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes/sbx123/connect":
			_ = json.NewEncoder(w).Encode(e2bSandboxResponse{SandboxID: "sbx123", EnvdAccessToken: f.token, Domain: "e2b.test"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"not found"}`))
		}
	}))
}

func (f *fakeE2B) envd(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Access-Token") != f.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.URL.Path {
		case "/files":
			path := r.URL.Query().Get("path")
			if r.Method == http.MethodGet {
				content, ok := f.files[path]
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				_, _ = io.WriteString(w, content)
				return
			}
			file, _, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(file)
			f.files[path] = string(data)
		case "/commands/run":
			f.commandsHits++
			if f.processOnly {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			var req struct {
				Args []string `json:"args"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			cmd := req.Args[len(req.Args)-1]
			if strings.HasPrefix(cmd, "fail") {
				_ = json.NewEncoder(w).Encode(map[string]any{"stdout": "partial", "stderr": "boom", "exitCode": 1})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"stdout": "ran: " + cmd, "exitCode": 0})
		case "/process.Process/Start":
			f.serveProcessStart(t, w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

// serveProcessStart answers a Connect streaming Start call with a start
// event, the output in two chunks and an end event.
func (f *fakeE2B) serveProcessStart(t *testing.T, w http.ResponseWriter, r *http.Request) {
	t.Helper()
	if ct := r.Header.Get("Content-Type"); ct != "application/connect+json" {
		t.Errorf("Content-Type = %q, want application/connect+json", ct)
	}
	header := make([]byte, 5)
	if _, err := io.ReadFull(r.Body, header); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[1:5]))
	if _, err := io.ReadFull(r.Body, payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		Process struct {
			Cmd  string   `json:"cmd"`
			Args []string `json:"args"`
		} `json:"process"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Process.Args) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	cmd := req.Process.Args[len(req.Process.Args)-1]

	b64 := base64.StdEncoding.EncodeToString
	writeFrame := func(flags byte, v any) {
		data, _ := json.Marshal(v)
		frame := make([]byte, 5+len(data))
		frame[0] = flags
		binary.BigEndian.PutUint32(frame[1:5], uint32(len(data)))
		copy(frame[5:], data)
		_, _ = w.Write(frame)
	}
	data := func(stream, chunk string) map[string]any {
		return map[string]any{"event": map[string]any{"data": map[string]any{stream: b64([]byte(chunk))}}}
	}

	w.Header().Set("Content-Type", "application/connect+json")
	writeFrame(0, map[string]any{"event": map[string]any{"start": map[string]any{"pid": 42}}})
	exitCode := 0
	if strings.HasPrefix(cmd, "fail") {
		exitCode = 2
		writeFrame(0, data("stdout", "partial"))
		writeFrame(0, data("stderr", "boom"))
	} else {
		writeFrame(0, data("stdout", "ran: "))
		writeFrame(0, data("stdout", cmd))
	}
	writeFrame(0, map[string]any{"event": map[string]any{"end": map[string]any{"exitCode": exitCode, "exited": true}}})
	writeFrame(0x02, map[string]any{})
}

func newTestE2B(t *testing.T) *E2BProvider {
	t.Helper()
	p, _ := newTestE2BWithFake(t, &fakeE2B{})
	return p
}

func newTestE2BWithFake(t *testing.T, fake *fakeE2B) (*E2BProvider, *fakeE2B) {
	t.Helper()
	fake.files = make(map[string]string)
	fake.token = "envd-token"
	cp := fake.controlPlane(t)
	t.Cleanup(cp.Close)
	envd := fake.envd(t)
	t.Cleanup(envd.Close)

	p, err := NewE2BProvider(E2BConfig{APIKey: "test-key", APIURL: cp.URL}, discardLogger(),
		WithEnvdURL(func(string, string) string { return envd.URL }),
	)
	if err != nil {
		t.Fatalf("NewE2BProvider: %v", err)
	}
	return p, fake
}

func TestE2BProvider_RequiresAPIKey(t *testing.T) {
	if _, err := NewE2BProvider(E2BConfig{}, discardLogger()); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestE2BProvider_CreateAndFiles(t *testing.T) {
	p := newTestE2B(t)
	ctx := context.Background()

	id, err := p.Create(ctx, "kodo-nextjs-02")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "sbx123" {
		t.Errorf("id = %q, want %q", id, "sbx123")
	}

	s, err := p.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.WriteFile(ctx, "app/page.tsx", "hello"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := s.ReadFile(ctx, "app/page.tsx")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
	if _, err := s.ReadFile(ctx, "missing"); err == nil {
		t.Error("expected error reading missing file")
	}
}

func TestE2BProvider_GetReconnects(t *testing.T) {
	p := newTestE2B(t)

	// A fresh provider has never seen sbx123 and must connect through the control plane.
	s, err := p.Get(context.Background(), "sbx123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	host, err := s.PublicEndpoint(3000)
	if err != nil {
		t.Fatalf("PublicEndpoint: %v", err)
	}
	if host != "3000-sbx123.e2b.test" {
		t.Errorf("host = %q, want %q", host, "3000-sbx123.e2b.test")
	}
}

func TestE2BProvider_Ping(t *testing.T) {
	p := newTestE2B(t)
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	p.config.APIKey = "wrong"
	var apiErr *e2bAPIError
	if err := p.Ping(context.Background()); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Ping with bad key = %v, want 401 API error", err)
	}
}

func TestE2BProvider_GetUnknown(t *testing.T) {
	p := newTestE2B(t)
	_, err := p.Get(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestE2BSession_RunCommand(t *testing.T) {
	p := newTestE2B(t)
	ctx := context.Background()
	s, err := p.Get(ctx, "sbx123")
	if err != nil {
		t.Fatal(err)
	}

	var streamed string
	res, err := s.RunCommand(ctx, "npm install axios --yes", func(c string) { streamed += c }, nil)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.Stdout != "ran: npm install axios --yes" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if streamed != res.Stdout {
		t.Errorf("streamed = %q, want %q", streamed, res.Stdout)
	}

	res, err = s.RunCommand(ctx, "fail now", nil, nil)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if res.Stdout != "partial" || res.Stderr != "boom" {
		t.Errorf("stdout/stderr = %q/%q", res.Stdout, res.Stderr)
	}
}

func TestE2BSession_RunCommandFallsBackToProcessService(t *testing.T) {
	p, fake := newTestE2BWithFake(t, &fakeE2B{processOnly: true})
	ctx := context.Background()
	s, err := p.Get(ctx, "sbx123")
	if err != nil {
		t.Fatal(err)
	}

	var chunks []string
	res, err := s.RunCommand(ctx, "npm run build", func(c string) { chunks = append(chunks, c) }, nil)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.Stdout != "ran: npm run build" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "ran: npm run build")
	}
	if len(chunks) != 2 {
		t.Errorf("streamed %d chunks, want 2", len(chunks))
	}

	var stderr string
	res, err = s.RunCommand(ctx, "fail build", nil, func(c string) { stderr += c })
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if cmdErr.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", cmdErr.ExitCode)
	}
	if res.Stdout != "partial" || stderr != "boom" {
		t.Errorf("stdout/stderr = %q/%q", res.Stdout, stderr)
	}

	fake.mu.Lock()
	hits := fake.commandsHits
	fake.mu.Unlock()
	if hits != 1 {
		t.Errorf("/commands/run called %d times, want 1", hits)
	}
}
