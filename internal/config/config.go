// Package config handles loading and validating kodo configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kodo/internal/storage"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for kodo.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir,omitempty"` // Default: ~/.kodo/data. Override: KODO_DATA_DIR.
	Providers     ProvidersConfig      `json:"providers" yaml:"providers" toml:"providers"`
	Agent         AgentConfig          `json:"agent" yaml:"agent" toml:"agent"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox" toml:"sandbox"`
	Steps         StepsConfig          `json:"steps" yaml:"steps" toml:"steps"`
	Storage       *storage.Config      `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty"` // nil = SQLite under data_dir
	Redis         *RedisConfig         `json:"redis,omitempty" yaml:"redis,omitempty" toml:"redis,omitempty"`       // Shared by steps and queue redis backends.
	Queue         QueueConfig          `json:"queue" yaml:"queue" toml:"queue"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway" toml:"gateway"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = disabled
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty" toml:"retention,omitempty"`             // nil = keep everything
	Secrets       SecretsConfig        `json:"secrets" yaml:"secrets" toml:"secrets"`
	Log           LogConfig            `json:"log" yaml:"log" toml:"log"`
}

// --- Providers ---

// ProvidersConfig selects the model backend.
type ProvidersConfig struct {
	Default    string          `json:"default" yaml:"default" toml:"default"`                                  // "openai" (default), "anthropic", "ollama".
	Fallback   []string        `json:"fallback,omitempty" yaml:"fallback,omitempty" toml:"fallback,omitempty"` // Tried in order when default fails.
	MaxRetries int             `json:"max_retries" yaml:"max_retries" toml:"max_retries"`                      // Attempts per request. Default: 3.
	OpenAI     OpenAIConfig    `json:"openai" yaml:"openai" toml:"openai"`
	Anthropic  AnthropicConfig `json:"anthropic" yaml:"anthropic" toml:"anthropic"`
	Ollama     OllamaConfig    `json:"ollama" yaml:"ollama" toml:"ollama"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model   string `json:"model" yaml:"model" toml:"model"`          // Default: gpt-4.1.
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model   string `json:"model" yaml:"model" toml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`
}

// OllamaConfig holds settings for a local Ollama server, reached through its
// OpenAI-compatible API.
type OllamaConfig struct {
	Model   string `json:"model" yaml:"model" toml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// Retries returns the per-request attempt limit.
func (p *ProvidersConfig) Retries() uint {
	if p.MaxRetries <= 0 {
		return 3
	}
	return uint(p.MaxRetries)
}

// --- Agent ---

// AgentConfig tunes the coding agent and the per-run loop around it.
type AgentConfig struct {
	Temperature     *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"` // Default: 0.1.
	MaxTokens       int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`                                  // Default: 8192.
	MaxIterations   int      `json:"max_iterations" yaml:"max_iterations" toml:"max_iterations"`                      // Default: 7.
	TimeoutSeconds  int      `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`                   // Default: 120.
	CancelOnTimeout bool     `json:"cancel_on_timeout" yaml:"cancel_on_timeout" toml:"cancel_on_timeout"`             // Interrupt the run when the deadline passes.
	Template        string   `json:"template" yaml:"template" toml:"template"`                                        // Default: kodo-nextjs-02.
	EndpointPort    int      `json:"endpoint_port" yaml:"endpoint_port" toml:"endpoint_port"`                         // Default: 3000.
	SystemPrompt    string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" toml:"system_prompt,omitempty"`
}

// Timeout returns the run deadline.
func (a *AgentConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Iterations returns the orchestrator pass limit.
func (a *AgentConfig) Iterations() int {
	if a.MaxIterations <= 0 {
		return 7
	}
	return a.MaxIterations
}

// TemplateID returns the sandbox template.
func (a *AgentConfig) TemplateID() string {
	if a.Template == "" {
		return "kodo-nextjs-02"
	}
	return a.Template
}

// Port returns the sandbox port the result URL points at.
func (a *AgentConfig) Port() int {
	if a.EndpointPort <= 0 {
		return 3000
	}
	return a.EndpointPort
}

// --- Sandbox ---

// SandboxConfig selects and configures the sandbox provider.
type SandboxConfig struct {
	Type   string              `json:"type" yaml:"type" toml:"type"` // "e2b" (default), "docker", "local".
	E2B    E2BSandboxConfig    `json:"e2b" yaml:"e2b" toml:"e2b"`
	Docker DockerSandboxConfig `json:"docker" yaml:"docker" toml:"docker"`
	Local  LocalSandboxConfig  `json:"local" yaml:"local" toml:"local"`
}

// E2BSandboxConfig holds E2B API settings.
type E2BSandboxConfig struct {
	APIKey     string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Domain     string `json:"domain" yaml:"domain" toml:"domain"`                // Default: e2b.app.
	APIURL     string `json:"api_url" yaml:"api_url" toml:"api_url"`             // Default: https://api.<domain>.
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec" toml:"timeout_sec"` // Idle keep-alive. Default: 600.
}

// DockerSandboxConfig configures one container per session.
type DockerSandboxConfig struct {
	Images                map[string]string `json:"images,omitempty" yaml:"images,omitempty" toml:"images,omitempty"` // template ID → image.
	MemoryMB              int               `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb"`
	CPUCores              float64           `json:"cpu_cores" yaml:"cpu_cores" toml:"cpu_cores"`
	PIDsLimit             int               `json:"pids_limit" yaml:"pids_limit" toml:"pids_limit"`
	NetworkAllowed        bool              `json:"network_allowed" yaml:"network_allowed" toml:"network_allowed"`
	Ports                 []int             `json:"ports,omitempty" yaml:"ports,omitempty" toml:"ports,omitempty"`
	Command               []string          `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	CommandTimeoutSeconds int               `json:"command_timeout_seconds" yaml:"command_timeout_seconds" toml:"command_timeout_seconds"`
}

// LocalSandboxConfig configures directory-backed sessions on the host.
type LocalSandboxConfig struct {
	Root                  string `json:"root" yaml:"root" toml:"root"` // Default: <data_dir>/sandboxes.
	TemplatesDir          string `json:"templates_dir" yaml:"templates_dir" toml:"templates_dir"`
	Host                  string `json:"host" yaml:"host" toml:"host"`
	CommandTimeoutSeconds int    `json:"command_timeout_seconds" yaml:"command_timeout_seconds" toml:"command_timeout_seconds"`
}

// SandboxType returns the effective provider name.
func (s *SandboxConfig) SandboxType() string {
	if s.Type == "" {
		return "e2b"
	}
	return s.Type
}

// --- Steps, storage, redis ---

// StepsConfig selects where durable step checkpoints are kept.
type StepsConfig struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver"` // "storage" (default), "redis", "memory".
	Prefix string `json:"prefix" yaml:"prefix" toml:"prefix"` // Redis key prefix. Default: kodo:step.
}

// StepsDriver returns the effective checkpoint backend.
func (s *StepsConfig) StepsDriver() string {
	if s.Driver == "" {
		return "storage"
	}
	return s.Driver
}

// RedisConfig holds the connection shared by redis-backed components.
type RedisConfig struct {
	Address  string `json:"address" yaml:"address" toml:"address"`
	Password string `json:"password" yaml:"password" toml:"password"`
	DB       int    `json:"db" yaml:"db" toml:"db"`
}

// --- Secrets ---

// SecretsConfig configures the backends behind credential references such
// as "vault://secret/data/kodo#openai". env:// references always work.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty" toml:"vault,omitempty"`
}

// VaultConfig holds HashiCorp Vault settings. VAULT_ADDR, VAULT_TOKEN and
// VAULT_NAMESPACE take precedence.
type VaultConfig struct {
	Address        string `json:"address" yaml:"address" toml:"address"`
	Token          string `json:"token" yaml:"token" toml:"token"`
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty" toml:"namespace,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"` // Default: 5.
	TLSSkipVerify  bool   `json:"tls_skip_verify" yaml:"tls_skip_verify" toml:"tls_skip_verify"`
}

// CredentialFields returns the config values that may hold credential
// references, keyed by their config path.
func (c *Config) CredentialFields() map[string]*string {
	fields := map[string]*string{
		"providers.openai.api_key":    &c.Providers.OpenAI.APIKey,
		"providers.anthropic.api_key": &c.Providers.Anthropic.APIKey,
		"sandbox.e2b.api_key":         &c.Sandbox.E2B.APIKey,
	}
	if c.Storage != nil {
		fields["storage.postgres.dsn"] = &c.Storage.Postgres.DSN
	}
	if c.Redis != nil {
		fields["redis.password"] = &c.Redis.Password
	}
	return fields
}

// --- Queue ---

// QueueConfig selects the run queue and sizes the worker pool.
type QueueConfig struct {
	Backend          string         `json:"backend" yaml:"backend" toml:"backend"` // "memory" (default), "redis", "rabbitmq".
	Size             int            `json:"size" yaml:"size" toml:"size"`          // Memory queue capacity.
	Name             string         `json:"name" yaml:"name" toml:"name"`          // Redis list or RabbitMQ queue name.
	BlockWaitSeconds int            `json:"block_wait_seconds" yaml:"block_wait_seconds" toml:"block_wait_seconds"`
	Workers          int            `json:"workers" yaml:"workers" toml:"workers"`                // Default: 4.
	MaxAttempts      int            `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"` // Default: 3.
	RabbitMQ         RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq" toml:"rabbitmq"`
}

// RabbitMQConfig holds AMQP settings.
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url" toml:"url"`
	Prefetch int    `json:"prefetch" yaml:"prefetch" toml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable" toml:"durable"`
}

// QueueBackend returns the effective queue backend.
func (q *QueueConfig) QueueBackend() string {
	if q.Backend == "" {
		return "memory"
	}
	return q.Backend
}

// BlockWait returns how long a redis consumer blocks per poll.
func (q *QueueConfig) BlockWait() time.Duration {
	if q.BlockWaitSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(q.BlockWaitSeconds) * time.Second
}

// --- Gateway ---

// GatewayConfig configures the HTTP API.
type GatewayConfig struct {
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"` // Default: :8080.
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes" toml:"max_request_size_bytes"` // Default: 64 KiB.
	EventBuffer         int    `json:"event_buffer" yaml:"event_buffer" toml:"event_buffer"`                                // Per-subscriber events. Default: 256.

	// APIKeys maps bearer tokens to client names. Empty disables authentication.
	APIKeys map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty" toml:"api_keys,omitempty"`

	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig bounds run submissions per API client. Zero disables it.
type RateLimitConfig struct {
	RunsPerMinute int `json:"runs_per_minute" yaml:"runs_per_minute" toml:"runs_per_minute"`
	Burst         int `json:"burst" yaml:"burst" toml:"burst"`
}

// Addr returns the listen address.
func (g *GatewayConfig) Addr() string {
	if g.ListenAddr == "" {
		return ":8080"
	}
	return g.ListenAddr
}

// MaxRequestSize returns the request body limit.
func (g *GatewayConfig) MaxRequestSize() int64 {
	if g.MaxRequestSizeBytes <= 0 {
		return 64 << 10
	}
	return g.MaxRequestSizeBytes
}

// --- Observability ---

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty" toml:"health,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// MetricsPath returns the scrape path.
func (m *MetricsConfig) MetricsPath() string {
	if m == nil || m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "kodo"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// HealthConfig selects the dependencies checked by /readyz.
type HealthConfig struct {
	IncludeDB    bool `json:"include_db" yaml:"include_db" toml:"include_db"`
	IncludeRedis bool `json:"include_redis" yaml:"include_redis" toml:"include_redis"`
	// IncludeSandbox pings the sandbox provider (docker daemon or E2B API).
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox" toml:"include_sandbox"`
}

// --- Retention ---

// RetentionConfig configures the periodic purge of old checkpoints and runs.
type RetentionConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Schedule    string `json:"schedule" yaml:"schedule" toml:"schedule"`                // Cron expression. Default: "@hourly".
	MaxAgeHours int    `json:"max_age_hours" yaml:"max_age_hours" toml:"max_age_hours"` // Default: 168 (7 days).
}

// CronSchedule returns the sweep schedule.
func (r *RetentionConfig) CronSchedule() string {
	if r.Schedule == "" {
		return "@hourly"
	}
	return r.Schedule
}

// MaxAge returns how long finished runs and their checkpoints are kept.
func (r *RetentionConfig) MaxAge() time.Duration {
	if r.MaxAgeHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(r.MaxAgeHours) * time.Hour
}

// --- Log ---

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // debug, info (default), warn, error.
	Format string `json:"format" yaml:"format" toml:"format"` // "json" (default) or "text".
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kodo.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kodo", "config.yaml")
}

// Load reads the config file at path, applies environment overrides, and validates it.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}
	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config built from defaults and environment only, for
// running without a config file.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data according to ext (".yaml", ".yml", ".toml" or ".json").
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
	}
	return &cfg, nil
}

func (c *Config) finalize() error {
	if err := c.applyEnv(); err != nil {
		return err
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".kodo", "data")
		} else {
			c.DataDir = "data"
		}
	}
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv lets environment variables take precedence over file values.
func (c *Config) applyEnv() error {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("E2B_API_KEY"); v != "" {
		c.Sandbox.E2B.APIKey = v
	}
	if v := os.Getenv("KODO_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KODO_DATABASE_URL"); v != "" {
		if c.Storage == nil {
			c.Storage = &storage.Config{}
		}
		c.Storage.Driver = storage.DriverPostgres
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("KODO_REDIS_URL"); v != "" {
		opts, err := redis.ParseURL(v)
		if err != nil {
			return fmt.Errorf("parsing KODO_REDIS_URL: %w", err)
		}
		c.Redis = &RedisConfig{Address: opts.Addr, Password: opts.Password, DB: opts.DB}
	}
	if v := os.Getenv("KODO_AMQP_URL"); v != "" {
		c.Queue.RabbitMQ.URL = v
	}
	if v := os.Getenv("KODO_API_KEY"); v != "" {
		if c.Gateway.APIKeys == nil {
			c.Gateway.APIKeys = make(map[string]string)
		}
		c.Gateway.APIKeys[v] = "env"
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "kodo.db")
}

// StorageConfig returns the storage config with the SQLite path defaulted.
func (c *Config) StorageConfig() storage.Config {
	var sc storage.Config
	if c.Storage != nil {
		sc = *c.Storage
	}
	if sc.Driver == "" {
		sc.Driver = storage.DefaultDriver
	}
	if sc.Driver == storage.DriverSQLite && sc.SQLite.Path == "" {
		sc.SQLite.Path = c.DatabasePath()
	}
	return sc
}

// LocalSandboxRoot returns the local provider root, defaulted under the data directory.
func (c *Config) LocalSandboxRoot() string {
	if c.Sandbox.Local.Root != "" {
		return c.Sandbox.Local.Root
	}
	return filepath.Join(c.ResolvedDataDir(), "sandboxes")
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		if err := c.validateProvider(name); err != nil {
			return fmt.Errorf("providers.fallback: %w", err)
		}
	}
	if t := c.Agent.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("agent.temperature must be between 0 and 2")
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations must not be negative")
	}
	if c.Agent.TimeoutSeconds < 0 {
		return fmt.Errorf("agent.timeout_seconds must not be negative")
	}

	switch c.Sandbox.SandboxType() {
	case "e2b":
		if c.Sandbox.E2B.APIKey == "" {
			return fmt.Errorf("sandbox.e2b.api_key is required (set E2B_API_KEY env var)")
		}
	case "docker", "local":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use e2b, docker, or local)", c.Sandbox.Type)
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case storage.DriverSQLite:
		case storage.DriverPostgres:
			if c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set KODO_DATABASE_URL env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	switch c.Steps.StepsDriver() {
	case "storage", "memory":
	case "redis":
		if c.Redis == nil || c.Redis.Address == "" {
			return fmt.Errorf("steps.driver=redis requires redis.address (or KODO_REDIS_URL)")
		}
	default:
		return fmt.Errorf("steps.driver %q is not supported (use storage, redis, or memory)", c.Steps.Driver)
	}

	switch c.Queue.QueueBackend() {
	case "memory":
	case "redis":
		if c.Redis == nil || c.Redis.Address == "" {
			return fmt.Errorf("queue.backend=redis requires redis.address (or KODO_REDIS_URL)")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return fmt.Errorf("queue.rabbitmq.url is required (set KODO_AMQP_URL env var)")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported (use memory, redis, or rabbitmq)", c.Queue.Backend)
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q is not supported (use json or text)", c.Log.Format)
	}
	return nil
}

// validateProvider checks that the named LLM provider has the required fields.
func (c *Config) validateProvider(name string) error {
	switch name {
	case "openai":
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("provider %q is not supported (use openai, anthropic, or ollama)", name)
	}
	return nil
}
