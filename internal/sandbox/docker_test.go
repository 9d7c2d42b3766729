package sandbox

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"slices"
	"strings"
	"testing"
)

// recordingRunner captures docker CLI invocations instead of running them.
type recordingRunner struct {
	calls  [][]string
	stdins []string
	stdout map[string]string // first arg -> canned stdout
	fail   map[string]error
}

func (r *recordingRunner) run(_ context.Context, stdin io.Reader, stdout, _ io.Writer, args ...string) error {
	r.calls = append(r.calls, args)
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		r.stdins = append(r.stdins, string(data))
	}
	if err := r.fail[args[0]]; err != nil {
		return err
	}
	if out, ok := r.stdout[args[0]]; ok {
		_, _ = io.WriteString(stdout, out)
	}
	return nil
}

func newFakeDocker(r *recordingRunner) *DockerProvider {
	p := NewDockerProvider(DockerConfig{Images: map[string]string{"kodo-nextjs-02": "kodo/nextjs:15"}}, discardLogger())
	p.run = r.run
	return p
}

func TestDockerProvider_CreateBuildsHardenedRun(t *testing.T) {
	r := &recordingRunner{}
	p := newFakeDocker(r)

	id, err := p.Create(context.Background(), "kodo-nextjs-02")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(id, containerPrefix+"-") {
		t.Errorf("id = %q, want %s- prefix", id, containerPrefix)
	}

	args := r.calls[0]
	for _, want := range []string{"run", "--detach", "--cap-drop=ALL", "--network=none", "127.0.0.1::3000", id} {
		if !slices.Contains(args, want) {
			t.Errorf("docker run args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "kodo/nextjs:15" {
		t.Errorf("image = %q, want mapped image", args[len(args)-1])
	}
}

func TestDockerProvider_GetRejectsForeignIDs(t *testing.T) {
	p := newFakeDocker(&recordingRunner{})
	_, err := p.Get(context.Background(), "some-other-container")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestDockerProvider_GetStoppedContainer(t *testing.T) {
	r := &recordingRunner{stdout: map[string]string{"inspect": "false\n"}}
	p := newFakeDocker(r)
	_, err := p.Get(context.Background(), containerPrefix+"-abc")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestDockerSession_WriteFileQuotesPaths(t *testing.T) {
	r := &recordingRunner{stdout: map[string]string{"inspect": "true\n"}}
	p := newFakeDocker(r)
	ctx := context.Background()

	s, err := p.Get(ctx, containerPrefix+"-abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.WriteFile(ctx, "app/my page.tsx", "content"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	last := r.calls[len(r.calls)-1]
	script := last[len(last)-1]
	if !strings.Contains(script, `'/home/user/app/my page.tsx'`) {
		t.Errorf("script = %q, want quoted absolute path", script)
	}
	if r.stdins[len(r.stdins)-1] != "content" {
		t.Errorf("stdin = %q, want %q", r.stdins[len(r.stdins)-1], "content")
	}
}

func TestDockerSession_PublicEndpoint(t *testing.T) {
	r := &recordingRunner{stdout: map[string]string{
		"inspect": "true\n",
		"port":    "127.0.0.1:49153\n[::1]:49153\n",
	}}
	p := newFakeDocker(r)
	s, err := p.Get(context.Background(), containerPrefix+"-abc")
	if err != nil {
		t.Fatal(err)
	}
	host, err := s.PublicEndpoint(3000)
	if err != nil {
		t.Fatalf("PublicEndpoint: %v", err)
	}
	if host != "127.0.0.1:49153" {
		t.Errorf("host = %q, want %q", host, "127.0.0.1:49153")
	}
}

// --- Integration (requires a docker daemon) ---

func TestDockerProvider_Integration(t *testing.T) {
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
	p := NewDockerProvider(DockerConfig{Command: []string{"sleep", "300"}}, discardLogger())
	ctx := context.Background()

	id, err := p.Create(ctx, "busybox:latest")
	if err != nil {
		t.Skipf("cannot start test container: %v", err)
	}
	t.Cleanup(func() { _ = p.Remove(context.Background(), id) })

	s, err := p.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.WriteFile(ctx, "/tmp/kodo/hello.txt", "hi"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := s.ReadFile(ctx, "/tmp/kodo/hello.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "hi" {
		t.Errorf("content = %q, want %q", got, "hi")
	}
	res, err := s.RunCommand(ctx, "echo hello", nil, nil)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hello")
	}
}

func TestDockerProvider_Ping(t *testing.T) {
	r := &recordingRunner{}
	p := newFakeDocker(r)
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if got := r.calls[0][0]; got != "version" {
		t.Errorf("docker subcommand = %q, want version", got)
	}

	r.fail = map[string]error{"version": errors.New("exit status 1")}
	if err := p.Ping(context.Background()); err == nil {
		t.Error("expected error when the daemon is down")
	}
}
