package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENROUTER_API_KEY", "GEMINI_API_KEY", "ANTHROPIC_API_KEY",
		"HIKU_LLM_PROVIDER", "HIKU_MODEL", "HIKU_DB", "HIKU_REDIS_ADDR",
		"HIKU_CACHE_DSN", "HIKU_MAX_ATTEMPTS",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.LLM.Provider != "openrouter" {
		t.Errorf("expected Provider=openrouter, got %s", cfg.LLM.Provider)
	}
	if cfg.Cache.Backend != "sqlite" {
		t.Errorf("expected Backend=sqlite, got %s", cfg.Cache.Backend)
	}
	if cfg.Regeneration.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts=3, got %d", cfg.Regeneration.MaxAttempts)
	}
	if err := cfg.ValidateLocal(); err != nil {
		t.Errorf("defaults should validate locally: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "hiku.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.APIKey = "sk-test"
	cfg.Cache.Backend = "redis"
	cfg.Sandbox.AllowedImports = []string{"strings", "golang.org/x/net/html"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	assert.Equal(t, "anthropic", loaded.LLM.Provider)
	assert.Equal(t, "sk-test", loaded.LLM.APIKey)
	assert.Equal(t, "redis", loaded.Cache.Backend)
	assert.Equal(t, []string{"strings", "golang.org/x/net/html"}, loaded.Sandbox.AllowedImports)
}

func TestConfig_LoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_LoadPartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "hiku.yaml")
	require.NoError(t, os.WriteFile(path, []byte("regeneration:\n  max_attempts: 5\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Regeneration.MaxAttempts)
	assert.Equal(t, "sqlite", cfg.Cache.Backend)
	assert.Equal(t, 20000, cfg.Regeneration.HTMLSampleLen)
}

func TestConfig_LoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiku.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [unterminated"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("OPENROUTER_API_KEY fills the default provider", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OPENROUTER_API_KEY", "or-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "or-key", cfg.LLM.APIKey)
		assert.Equal(t, "openrouter", cfg.LLM.Provider)
	})

	t.Run("HIKU_LLM_PROVIDER switches provider and key", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OPENROUTER_API_KEY", "or-key")
		t.Setenv("GEMINI_API_KEY", "gem-key")
		t.Setenv("HIKU_LLM_PROVIDER", "gemini")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "gemini", cfg.LLM.Provider)
		assert.Equal(t, "gem-key", cfg.LLM.APIKey)
	})

	t.Run("key for another provider is ignored", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ANTHROPIC_API_KEY", "ant-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Empty(t, cfg.LLM.APIKey)
	})

	t.Run("cache and regeneration overrides", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("HIKU_DB", "/tmp/x.db")
		t.Setenv("HIKU_REDIS_ADDR", "redis:6379")
		t.Setenv("HIKU_CACHE_DSN", "postgres://u:p@db/hiku")
		t.Setenv("HIKU_MAX_ATTEMPTS", "7")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/x.db", cfg.Cache.DatabasePath)
		assert.Equal(t, "redis:6379", cfg.Cache.RedisAddr)
		assert.Equal(t, "postgres://u:p@db/hiku", cfg.Cache.PostgresDSN)
		assert.Equal(t, 7, cfg.Regeneration.MaxAttempts)
	})
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	// Default has no API key
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing API key")
	}

	cfg.LLM.APIKey = "k"
	require.NoError(t, cfg.Validate())

	cfg.LLM.Provider = "zai"
	assert.Error(t, cfg.Validate())
	cfg.LLM.Provider = "gemini"

	cfg.Regeneration.MaxAttempts = -1
	assert.Error(t, cfg.Validate(), "negative budget is a misuse error")
	cfg.Regeneration.MaxAttempts = 0

	cfg.Cache.Backend = "mongo"
	assert.Error(t, cfg.Validate())
	cfg.Cache.Enabled = false
	assert.NoError(t, cfg.Validate(), "backend is irrelevant when the cache is off")

	cfg.Cache.Enabled = true
	cfg.Cache.Backend = "postgres"
	assert.Error(t, cfg.Validate(), "postgres needs a DSN")
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120*time.Second, cfg.GetLLMTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetSandboxTimeout())

	cfg.Sandbox.Timeout = "garbage"
	assert.Equal(t, 30*time.Second, cfg.GetSandboxTimeout())

	cfg.Fetch.Timeout = "5s"
	assert.Equal(t, 5*time.Second, cfg.GetFetchTimeout())
}

func TestLoggingConfig(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Categories: map[string]bool{"cache": false}}
	assert.False(t, lc.IsCategoryEnabled("cache"))
	assert.True(t, lc.IsCategoryEnabled("sandbox"))

	converted := lc.ToLogging()
	assert.Equal(t, "debug", converted.Level)
	assert.Equal(t, lc.Categories, converted.Categories)
}

func TestLLMConfigForJudge(t *testing.T) {
	c := LLMConfig{Provider: "anthropic", APIKey: "k", Model: "big"}
	assert.Equal(t, "big", c.ForJudge().Model)

	c.JudgeModel = "small"
	j := c.ForJudge()
	assert.Equal(t, "small", j.Model)
	assert.Equal(t, "k", j.APIKey)
	assert.Equal(t, "big", c.Model, "ForJudge must not modify the receiver")
}
