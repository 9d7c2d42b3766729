package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

const (
	defaultCommandTimeout = 5 * time.Minute
	defaultHomeDir        = "/home/user"
	defaultLocalHost      = "localhost"
)

// LocalConfig configures the directory-backed provider.
type LocalConfig struct {
	// Root is the directory under which every session gets its own workspace.
	Root string
	// TemplatesDir, if set, holds one directory per template ID whose contents
	// seed new workspaces.
	TemplatesDir string
	// HomeDir is the in-sandbox home prefix stripped from absolute paths.
	HomeDir string
	// Host is the hostname returned by PublicEndpoint. Default: localhost.
	Host           string
	CommandTimeout time.Duration
}

// LocalProvider runs sessions as directories on the host.
//
// Every path a session touches is resolved inside its workspace with
// securejoin, so "../" and absolute paths cannot escape it. Commands run in
// their own process group with a minimal environment; the whole group is
// killed on timeout or cancellation.
type LocalProvider struct {
	config LocalConfig
	logger *slog.Logger
}

// NewLocalProvider creates a directory-backed provider.
func NewLocalProvider(cfg LocalConfig, logger *slog.Logger) (*LocalProvider, error) {
	if cfg.Root == "" {
		return nil, errors.New("local sandbox root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("creating sandbox root %s: %w", cfg.Root, err)
	}
	if cfg.HomeDir == "" {
		cfg.HomeDir = defaultHomeDir
	}
	if cfg.Host == "" {
		cfg.Host = defaultLocalHost
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &LocalProvider{config: cfg, logger: logger}, nil
}

func (p *LocalProvider) Name() string { return "local" }

// Create makes a fresh workspace and seeds it from the template, if one exists.
func (p *LocalProvider) Create(ctx context.Context, templateID string) (string, error) {
	id, err := generateSessionID("local")
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	dir := filepath.Join(p.config.Root, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}

	if p.config.TemplatesDir != "" && templateID != "" {
		src, err := securejoin.SecureJoin(p.config.TemplatesDir, templateID)
		if err != nil {
			return "", fmt.Errorf("resolving template %q: %w", templateID, err)
		}
		if info, err := os.Stat(src); err == nil && info.IsDir() {
			if err := copyTree(src, dir); err != nil {
				return "", fmt.Errorf("seeding workspace from template %q: %w", templateID, err)
			}
		}
	}

	p.logger.InfoContext(ctx, "local sandbox created",
		slog.String("session_id", id),
		slog.String("template", templateID),
		slog.String("dir", dir),
	)
	return id, nil
}

// Get returns a handle to an existing workspace.
func (p *LocalProvider) Get(_ context.Context, sessionID string) (Session, error) {
	dir, err := securejoin.SecureJoin(p.config.Root, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolving session %q: %w", sessionID, err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() || sessionID == "" {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return &localSession{id: sessionID, dir: dir, provider: p}, nil
}

type localSession struct {
	id       string
	dir      string
	provider *LocalProvider
}

func (s *localSession) ID() string { return s.id }

func (s *localSession) RunCommand(ctx context.Context, command string, onStdout, onStderr func(string)) (*CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.provider.config.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = s.dir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + s.dir,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = newStreamWriter(&limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}, onStdout)
	cmd.Stderr = newStreamWriter(&limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}, onStderr)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &CommandResult{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command interrupted after %s: %w", duration.Round(time.Millisecond), ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	s.provider.logger.DebugContext(ctx, "local sandbox command completed",
		slog.String("session_id", s.id),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(result.Stdout)),
		slog.Int("stderr_bytes", len(result.Stderr)),
	)

	if result.ExitCode != 0 {
		return result, &CommandError{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}
	}
	return result, nil
}

func (s *localSession) WriteFile(_ context.Context, path, content string) error {
	target, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", path, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (s *localSession) ReadFile(_ context.Context, path string) (string, error) {
	target, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func (s *localSession) PublicEndpoint(port int) (string, error) {
	if port <= 0 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return fmt.Sprintf("%s:%d", s.provider.config.Host, port), nil
}

// resolve maps an in-sandbox path onto the workspace. Paths under the
// sandbox home directory are treated as relative to the workspace root.
func (s *localSession) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	home := s.provider.config.HomeDir
	if path == home {
		path = "."
	} else if strings.HasPrefix(path, home+"/") {
		path = strings.TrimPrefix(path, home+"/")
	}
	target, err := securejoin.SecureJoin(s.dir, path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	return target, nil
}

// copyTree copies regular files and directories from src into dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// generateSessionID returns "<prefix>-<16 hex chars>".
func generateSessionID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}
