package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kodo/internal/agent"
	"github.com/jkaninda/kodo/internal/config"
	"github.com/jkaninda/kodo/internal/events"
	"github.com/jkaninda/kodo/internal/guard"
	"github.com/jkaninda/kodo/internal/llm"
	"github.com/jkaninda/kodo/internal/llm/anthropic"
	"github.com/jkaninda/kodo/internal/llm/openai"
	"github.com/jkaninda/kodo/internal/observability"
	"github.com/jkaninda/kodo/internal/run"
	"github.com/jkaninda/kodo/internal/sandbox"
	"github.com/jkaninda/kodo/internal/secrets"
	"github.com/jkaninda/kodo/internal/step"
	"github.com/jkaninda/kodo/internal/storage"
	pgstore "github.com/jkaninda/kodo/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kodo/internal/storage/sqlite"
	"github.com/jkaninda/kodo/internal/tools"
	"github.com/jkaninda/kodo/internal/tools/files"
	"github.com/jkaninda/kodo/internal/tools/terminal"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file (or KODO_CONFIG env)")
}

// loadConfig reads the config file, falling back to defaults and environment
// when the default file does not exist.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("KODO_CONFIG", configPath)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
		return config.Default()
	}
	return nil, err
}

// newLogger builds the process logger from log.level and log.format.
// Logs always go to stderr so stdout stays free for results and MCP.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// SharedComponents holds the subsystems every mode needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Obs       *observability.Observability
	Provider  llm.Provider
	Sandboxes sandbox.Provider
	Store     storage.Store
	Redis     *redis.Client // nil unless a redis section is configured.
	StepStore step.Store
	Steps     *step.Runner
	Registry  *tools.Registry
	Broker    *events.Broker
	Agent     *agent.Agent
	Driver    *run.Driver

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// MetricsRegistry returns the Prometheus registry, or nil when metrics are off.
func (sc *SharedComponents) MetricsRegistry() *prometheus.Registry {
	if m := sc.Obs.MetricsOrNil(); m != nil {
		return m.Registry
	}
	return nil
}

// initShared wires config into the run pipeline. Callers must call
// sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *SharedComponents, err error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			sc.Cleanup()
		}
	}()

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	if err := resolveCredentials(ctx, cfg); err != nil {
		return nil, err
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	metrics, tracer := obs.MetricsOrNil(), obs.TracerOrNil()

	// LLM provider.
	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))
	if metrics != nil || tracer != nil {
		provider = observability.NewInstrumentedProvider(provider, metrics, tracer)
	}
	sc.Provider = provider

	// Sandbox provider.
	sandboxes, err := initSandbox(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	if metrics != nil || tracer != nil {
		sandboxes = observability.NewInstrumentedSandbox(sandboxes, metrics, tracer)
	}
	sc.Sandboxes = sandboxes

	// Storage.
	store, err := initStore(cfg.StorageConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Redis.
	if cfg.Redis != nil && cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connecting to redis %s: %w", cfg.Redis.Address, err)
		}
		sc.Redis = client
		sc.addCleanup(func() { _ = client.Close() })
	}

	// Durable steps.
	switch cfg.Steps.StepsDriver() {
	case "redis":
		sc.StepStore = step.NewRedisStoreFromClient(sc.Redis, cfg.Steps.Prefix)
	case "memory":
		sc.StepStore = step.NewMemoryStore()
	default:
		sc.StepStore = store.Steps()
	}
	sc.Steps = step.NewRunner(sc.StepStore, step.NewMetrics(sc.MetricsRegistry()), logger)
	logger.Debug("step store initialized", slog.String("driver", cfg.Steps.StepsDriver()))

	// Tools and agent.
	sc.Registry = tools.NewRegistry(observability.InstrumentTools([]tools.Tool{
		terminal.New(),
		files.NewWriteTool(),
		files.NewReadTool(),
	}, metrics, tracer)...)

	buffer := cfg.Gateway.EventBuffer
	if buffer <= 0 {
		buffer = events.DefaultBuffer
	}
	sc.Broker = events.NewBroker(buffer, logger)

	agentOpts := []agent.Option{agent.WithLogger(logger)}
	if cfg.Agent.Temperature != nil {
		agentOpts = append(agentOpts, agent.WithTemperature(*cfg.Agent.Temperature))
	}
	if cfg.Agent.MaxTokens > 0 {
		agentOpts = append(agentOpts, agent.WithMaxTokens(cfg.Agent.MaxTokens))
	}
	if cfg.Agent.SystemPrompt != "" {
		agentOpts = append(agentOpts, agent.WithSystemPrompt(cfg.Agent.SystemPrompt))
	}
	if tracer != nil {
		agentOpts = append(agentOpts, agent.WithTracer(tracer.Tracer()))
	}
	sc.Agent = agent.New(provider, sc.Registry, agentOpts...)

	driverOpts := []run.Option{
		run.WithTemplate(cfg.Agent.TemplateID()),
		run.WithEndpointPort(cfg.Agent.Port()),
		run.WithMaxIterations(cfg.Agent.Iterations()),
		run.WithGuard(guard.New(cfg.Agent.Timeout(), cfg.Agent.CancelOnTimeout, logger)),
		run.WithEvents(sc.Broker),
		run.WithLogger(logger),
	}
	if tracer != nil {
		driverOpts = append(driverOpts, run.WithTracer(tracer.Tracer()))
	}
	sc.Driver = run.NewDriver(sandboxes, sc.Agent, sc.Steps, driverOpts...)

	// Readiness checks.
	if hc := obs.HealthOrNil(); hc != nil {
		health := cfg.Observability.Health
		if health == nil || health.IncludeDB {
			hc.AddCheck("storage", store.Ping)
		}
		if sc.Redis != nil && (health == nil || health.IncludeRedis) {
			client := sc.Redis
			hc.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
		}
		if health == nil || health.IncludeSandbox {
			hc.AddSandboxCheck(sandboxes)
		}
	}

	logger.Info("kodo initialized",
		slog.String("provider", provider.Name()),
		slog.String("sandbox", sandboxes.Name()),
		slog.String("storage", store.Driver()),
		slog.Bool("metrics", metrics != nil),
		slog.Bool("tracing", tracer != nil),
	)
	return sc, nil
}

// resolveCredentials replaces env:// and vault:// references in cfg with
// the credentials they name.
func resolveCredentials(ctx context.Context, cfg *config.Config) error {
	var backends []secrets.Backend
	if v := cfg.Secrets.Vault; v != nil {
		vault, err := secrets.NewVaultBackend(secrets.VaultConfig{
			Address:       v.Address,
			Token:         v.Token,
			Namespace:     v.Namespace,
			Timeout:       time.Duration(v.TimeoutSeconds) * time.Second,
			TLSSkipVerify: v.TLSSkipVerify,
		})
		if err != nil {
			return fmt.Errorf("initializing vault: %w", err)
		}
		backends = append(backends, vault)
	}
	return secrets.NewResolver(backends...).ResolveFields(ctx, cfg.CredentialFields())
}

// initStore opens the configured storage backend.
func initStore(cfg storage.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case storage.DriverPostgres:
		db, err := pgstore.Open(pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Postgres.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pgstore.NewStore(db), nil
	case storage.DriverSQLite:
		journalMode := cfg.SQLite.JournalMode
		if journalMode == "" {
			journalMode = "wal"
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.SQLite.Path,
			JournalMode: journalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}

// initSandbox creates the sandbox provider selected by sandbox.type.
func initSandbox(cfg *config.Config, logger *slog.Logger) (sandbox.Provider, error) {
	sc := cfg.Sandbox
	switch sc.SandboxType() {
	case "e2b":
		return sandbox.NewE2BProvider(sandbox.E2BConfig{
			APIKey:     sc.E2B.APIKey,
			Domain:     sc.E2B.Domain,
			APIURL:     sc.E2B.APIURL,
			TimeoutSec: sc.E2B.TimeoutSec,
		}, logger)
	case "docker":
		return sandbox.NewDockerProvider(sandbox.DockerConfig{
			Images:         sc.Docker.Images,
			MemoryMB:       sc.Docker.MemoryMB,
			CPUCores:       sc.Docker.CPUCores,
			PIDsLimit:      sc.Docker.PIDsLimit,
			NetworkAllowed: sc.Docker.NetworkAllowed,
			Ports:          sc.Docker.Ports,
			Command:        sc.Docker.Command,
			CommandTimeout: time.Duration(sc.Docker.CommandTimeoutSeconds) * time.Second,
		}, logger), nil
	case "local":
		return sandbox.NewLocalProvider(sandbox.LocalConfig{
			Root:           cfg.LocalSandboxRoot(),
			TemplatesDir:   sc.Local.TemplatesDir,
			Host:           sc.Local.Host,
			CommandTimeout: time.Duration(sc.Local.CommandTimeoutSeconds) * time.Second,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: e2b, docker, local)", sc.Type)
	}
}

// newLLMProvider creates the default provider, wrapped in a fallback chain
// when fallbacks are configured.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	retries := cfg.Providers.Retries()
	switch name {
	case "openai", "":
		opts := []openai.Option{openai.WithMaxRetries(retries)}
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithMaxRetries(retries)}
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
			openai.WithMaxRetries(retries),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
