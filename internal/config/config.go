package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all hikugen configuration.
type Config struct {
	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Cache backend configuration
	Cache CacheConfig `yaml:"cache"`

	// Snippet sandbox limits
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Regeneration loop behaviour
	Regeneration RegenerationConfig `yaml:"regeneration"`

	// Page fetching
	Fetch FetchConfig `yaml:"fetch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Prometheus metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// LLMConfig configures the generation and judgment clients.
type LLMConfig struct {
	Provider   string `yaml:"provider"` // openrouter, gemini, anthropic
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	JudgeModel string `yaml:"judge_model"` // empty = same as Model
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`
	MaxTokens  int    `yaml:"max_tokens"`
}

// CacheConfig selects and configures the cache store.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"` // sqlite, memory, redis, postgres

	// SQLite
	DatabasePath string `yaml:"database_path"`

	// Redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// Postgres
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SandboxConfig bounds snippet execution.
type SandboxConfig struct {
	Timeout         string   `yaml:"timeout"`
	MaxWorkers      int      `yaml:"max_workers"`       // live interpreter goroutines, abandoned ones included
	MaxSnippetBytes int      `yaml:"max_snippet_bytes"` // validator rejects larger snippets
	AllowedImports  []string `yaml:"allowed_imports"`   // narrows the built-in allowlist; empty = full allowlist
}

// RegenerationConfig configures the orchestrator loop.
type RegenerationConfig struct {
	MaxAttempts   int  `yaml:"max_attempts"`
	Judge         bool `yaml:"judge"`
	HTMLSampleLen int  `yaml:"html_sample_len"`
}

// FetchConfig configures page fetching for the CLI.
type FetchConfig struct {
	Timeout   string `yaml:"timeout"`
	UserAgent string `yaml:"user_agent"`
	MaxBytes  int64  `yaml:"max_bytes"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty = disabled
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:  "openrouter",
			Model:     "google/gemini-2.5-flash",
			BaseURL:   "https://openrouter.ai/api/v1",
			Timeout:   "120s",
			MaxTokens: 8192,
		},

		Cache: CacheConfig{
			Enabled:      true,
			Backend:      "sqlite",
			DatabasePath: "hikugen.db",
			RedisAddr:    "localhost:6379",
			RedisPrefix:  "hiku:",
		},

		Sandbox: SandboxConfig{
			Timeout:         "30s",
			MaxWorkers:      4,
			MaxSnippetBytes: 64 * 1024,
		},

		Regeneration: RegenerationConfig{
			MaxAttempts:   3,
			Judge:         true,
			HTMLSampleLen: 20000,
		},

		Fetch: FetchConfig{
			Timeout:   "30s",
			UserAgent: "hikugen/1.0",
			MaxBytes:  10 << 20,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Provider selection, then the key for whichever provider is active
	if provider := os.Getenv("HIKU_LLM_PROVIDER"); provider != "" {
		c.LLM.Provider = provider
	}
	if env, ok := ProviderKeyEnv[c.LLM.Provider]; ok {
		if key := os.Getenv(env); key != "" {
			c.LLM.APIKey = key
		}
	}
	if model := os.Getenv("HIKU_MODEL"); model != "" {
		c.LLM.Model = model
	}

	// Cache backends
	if path := os.Getenv("HIKU_DB"); path != "" {
		c.Cache.DatabasePath = path
	}
	if addr := os.Getenv("HIKU_REDIS_ADDR"); addr != "" {
		c.Cache.RedisAddr = addr
	}
	if dsn := os.Getenv("HIKU_CACHE_DSN"); dsn != "" {
		c.Cache.PostgresDSN = dsn
	}
	if v := os.Getenv("HIKU_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Regeneration.MaxAttempts = n
		}
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetSandboxTimeout returns the per-execution deadline.
func (c *Config) GetSandboxTimeout() time.Duration {
	return parseDuration(c.Sandbox.Timeout, 30*time.Second)
}

// GetFetchTimeout returns the page fetch timeout.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDuration(c.Fetch.Timeout, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ProviderKeyEnv maps each provider to the environment variable holding its key.
var ProviderKeyEnv = map[string]string{
	"openrouter": "OPENROUTER_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"openrouter", "gemini", "anthropic"}

// ValidBackends lists all supported cache backends.
var ValidBackends = []string{"sqlite", "memory", "redis", "postgres"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set OPENROUTER_API_KEY, GEMINI_API_KEY, or ANTHROPIC_API_KEY)")
	}
	if !contains(ValidProviders, c.LLM.Provider) {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if err := c.ValidateLocal(); err != nil {
		return err
	}
	return nil
}

// ValidateLocal validates everything that does not need LLM credentials.
func (c *Config) ValidateLocal() error {
	if c.Regeneration.MaxAttempts < 0 {
		return fmt.Errorf("regeneration.max_attempts must be >= 0, got %d", c.Regeneration.MaxAttempts)
	}
	if c.Sandbox.MaxWorkers < 1 {
		return fmt.Errorf("sandbox.max_workers must be >= 1, got %d", c.Sandbox.MaxWorkers)
	}
	if c.Cache.Enabled && !contains(ValidBackends, c.Cache.Backend) {
		return fmt.Errorf("invalid cache backend: %s (valid: %v)", c.Cache.Backend, ValidBackends)
	}
	if c.Cache.Enabled && c.Cache.Backend == "postgres" && c.Cache.PostgresDSN == "" {
		return fmt.Errorf("cache.postgres_dsn required for the postgres backend (or set HIKU_CACHE_DSN)")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// ForJudge returns the LLM settings for the quality judge: the same provider
// and credentials with JudgeModel substituted when set.
func (c LLMConfig) ForJudge() LLMConfig {
	if c.JudgeModel != "" {
		c.Model = c.JudgeModel
	}
	return c
}
