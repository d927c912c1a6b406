package llm

import (
	"context"
	"fmt"
	"time"

	"hikugen/internal/config"
	"hikugen/internal/logging"
)

// NewClient builds the client for cfg.Provider.
func NewClient(cfg config.LLMConfig) (Client, error) {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 2 * time.Minute
	}

	logging.LLM("creating %s client model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case "openrouter", "":
		orc := DefaultOpenRouterConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			orc.BaseURL = cfg.BaseURL
		}
		if cfg.Model != "" {
			orc.Model = cfg.Model
		}
		if cfg.MaxTokens > 0 {
			orc.MaxTokens = cfg.MaxTokens
		}
		orc.Timeout = timeout
		return NewOpenRouterClient(orc)

	case "gemini":
		return NewGeminiClient(context.Background(), GeminiConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   timeout,
		})

	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   timeout,
		})

	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}
}
