package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

const (
	defaultDockerPIDsLimit = 256
	defaultDockerCPUCores  = 1.0
	defaultDockerMemoryMB  = 2048
	defaultDockerWorkdir   = "/home/user"
	containerPrefix        = "kodo-sbx"
	sessionLabel           = "io.kodo.session"
)

// DockerConfig configures the Docker-backed provider.
type DockerConfig struct {
	// Images maps template IDs to container images. Templates without an
	// entry are used as the image reference directly.
	Images         map[string]string
	Workdir        string  // In-container working directory. Default: /home/user.
	MemoryMB       int     // --memory hard limit.
	CPUCores       float64 // --cpus rate limit.
	PIDsLimit      int     // --pids-limit.
	NetworkAllowed bool    // false = --network=none.
	// Ports are published on 127.0.0.1 with a random host port so that
	// PublicEndpoint can resolve them. Default: [3000].
	Ports []int
	// Command overrides the image's default command (e.g. a keep-alive for
	// images that would otherwise exit immediately).
	Command        []string
	CommandTimeout time.Duration
}

// dockerRunner invokes the docker CLI. Replaced in tests.
type dockerRunner func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error

// DockerProvider runs each session as one long-lived, hardened container.
// Commands and file I/O go through docker exec; the container is labelled so
// abandoned sessions can be found and removed.
type DockerProvider struct {
	config DockerConfig
	logger *slog.Logger
	run    dockerRunner
}

// NewDockerProvider creates a Docker-backed provider.
func NewDockerProvider(cfg DockerConfig, logger *slog.Logger) *DockerProvider {
	if cfg.Workdir == "" {
		cfg.Workdir = defaultDockerWorkdir
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = []int{DefaultEndpointPort}
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &DockerProvider{config: cfg, logger: logger, run: execDocker}
}

func (p *DockerProvider) Name() string { return "docker" }

// Ping checks that the docker daemon answers.
func (p *DockerProvider) Ping(ctx context.Context) error {
	var stderr bytes.Buffer
	if err := p.run(ctx, nil, io.Discard, &stderr, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Create starts a detached container for templateID.
func (p *DockerProvider) Create(ctx context.Context, templateID string) (string, error) {
	name, err := generateSessionID(containerPrefix)
	if err != nil {
		return "", fmt.Errorf("generating container name: %w", err)
	}
	image := templateID
	if mapped, ok := p.config.Images[templateID]; ok {
		image = mapped
	}
	if image == "" {
		return "", errors.New("docker image is required")
	}

	var stderr bytes.Buffer
	if err := p.run(ctx, nil, io.Discard, &stderr, p.buildRunArgs(name, image)...); err != nil {
		return "", fmt.Errorf("starting container from %s: %w: %s", image, err, strings.TrimSpace(stderr.String()))
	}

	p.logger.InfoContext(ctx, "docker sandbox created",
		slog.String("session_id", name),
		slog.String("template", templateID),
		slog.String("image", image),
	)
	return name, nil
}

// buildRunArgs constructs the docker run argument list.
func (p *DockerProvider) buildRunArgs(name, image string) []string {
	memoryFlag := strconv.Itoa(p.config.MemoryMB) + "m"
	args := []string{
		"run", "--detach",
		"--name", name,
		"--label", sessionLabel + "=true",

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(p.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(p.config.PIDsLimit),

		"--workdir", p.config.Workdir,
		"--env", "HOME=" + p.config.Workdir,
		"--env", "TERM=dumb",
	}
	if p.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}
	for _, port := range p.config.Ports {
		args = append(args, "--publish", "127.0.0.1::"+strconv.Itoa(port))
	}
	args = append(args, image)
	return append(args, p.config.Command...)
}

// Get verifies the container is running and returns a handle to it.
func (p *DockerProvider) Get(ctx context.Context, sessionID string) (Session, error) {
	if sessionID == "" || !strings.HasPrefix(sessionID, containerPrefix+"-") {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	var stdout bytes.Buffer
	if err := p.run(ctx, nil, &stdout, io.Discard, "inspect", "--format", "{{.State.Running}}", sessionID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if strings.TrimSpace(stdout.String()) != "true" {
		return nil, fmt.Errorf("%w: %s is not running", ErrSessionNotFound, sessionID)
	}
	return &dockerSession{id: sessionID, provider: p}, nil
}

// Remove force-removes a session container. "No such container" is not an error.
func (p *DockerProvider) Remove(ctx context.Context, sessionID string) error {
	var stderr bytes.Buffer
	if err := p.run(ctx, nil, io.Discard, &stderr, "rm", "-f", sessionID); err != nil {
		if strings.Contains(stderr.String(), "No such container") {
			return nil
		}
		return fmt.Errorf("removing container %s: %w", sessionID, err)
	}
	return nil
}

type dockerSession struct {
	id       string
	provider *DockerProvider
}

func (s *dockerSession) ID() string { return s.id }

func (s *dockerSession) RunCommand(ctx context.Context, command string, onStdout, onStderr func(string)) (*CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.provider.config.CommandTimeout)
	defer cancel()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := newStreamWriter(&limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}, onStdout)
	stderr := newStreamWriter(&limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}, onStderr)

	runErr := s.provider.run(ctx, nil, stdout, stderr,
		"exec", "--workdir", s.provider.config.Workdir, s.id, "sh", "-c", command)

	result := &CommandResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
		return result, &CommandError{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}
	}
	return result, nil
}

func (s *dockerSession) WriteFile(ctx context.Context, filePath, content string) error {
	target := s.absPath(filePath)
	script := "mkdir -p " + shellquote.Join(path.Dir(target)) + " && cat > " + shellquote.Join(target)

	var stderr bytes.Buffer
	err := s.provider.run(ctx, strings.NewReader(content), io.Discard, &stderr,
		"exec", "--interactive", s.id, "sh", "-c", script)
	if err != nil {
		return fmt.Errorf("writing %s: %w: %s", filePath, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *dockerSession) ReadFile(ctx context.Context, filePath string) (string, error) {
	var stdout, stderr bytes.Buffer
	err := s.provider.run(ctx, nil, &limitedWriter{w: &stdout, remaining: maxOutputBytes}, &stderr,
		"exec", s.id, "cat", s.absPath(filePath))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w: %s", filePath, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// PublicEndpoint resolves the host address docker published for port.
func (s *dockerSession) PublicEndpoint(port int) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var stdout bytes.Buffer
	if err := s.provider.run(ctx, nil, &stdout, io.Discard, "port", s.id, strconv.Itoa(port)); err != nil {
		return "", fmt.Errorf("resolving published port %d: %w", port, err)
	}
	// Output may list several bindings (IPv4 and IPv6); the first one wins.
	first, _, _ := strings.Cut(strings.TrimSpace(stdout.String()), "\n")
	if first == "" {
		return "", fmt.Errorf("port %d is not published", port)
	}
	return first, nil
}

// absPath resolves relative paths against the container working directory.
func (s *dockerSession) absPath(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(s.provider.config.Workdir, p)
}

func execDocker(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}
