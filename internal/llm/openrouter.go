package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"hikugen/internal/logging"
)

// =============================================================================
// OPENROUTER CLIENT
// =============================================================================
// OpenAI-compatible chat completions over plain HTTP. OpenRouter fronts many
// providers, so this is the default transport.

// OpenRouterConfig configures an OpenRouterClient.
type OpenRouterConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxTokens  int
	MaxRetries int
	Backoff    time.Duration // first retry delay, doubled per retry
	SiteURL    string        // optional, sent as HTTP-Referer
	SiteName   string        // optional, sent as X-Title
}

// DefaultOpenRouterConfig returns sensible defaults.
func DefaultOpenRouterConfig(apiKey string) OpenRouterConfig {
	return OpenRouterConfig{
		APIKey:     apiKey,
		BaseURL:    "https://openrouter.ai/api/v1",
		Model:      "google/gemini-2.5-flash",
		Timeout:    2 * time.Minute,
		MaxTokens:  8192,
		MaxRetries: 3,
		Backoff:    time.Second,
		SiteName:   "hikugen",
	}
}

// OpenRouterClient implements Client for the OpenRouter API.
type OpenRouterClient struct {
	cfg        OpenRouterConfig
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewOpenRouterClient creates a client from cfg.
func NewOpenRouterClient(cfg OpenRouterConfig) (*OpenRouterClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	def := DefaultOpenRouterConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenRouterClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// Provider implements Client.
func (c *OpenRouterClient) Provider() string { return "openrouter" }

// Model returns the configured model.
func (c *OpenRouterClient) Model() string { return c.cfg.Model }

// Complete implements Client. Transport errors and 429s are retried with
// exponential backoff; any other non-200 status fails immediately.
func (c *OpenRouterClient) Complete(ctx context.Context, system, user string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.LLMDebug("[OpenRouter] model=%s system_len=%d user_len=%d", c.cfg.Model, len(system), len(user))

	c.throttle()

	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	jsonData, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, c.cfg.Backoff<<uint(i-1)); err != nil {
				return "", fmt.Errorf("retry aborted: %w (last error: %v)", err, lastErr)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		if c.cfg.SiteURL != "" {
			req.Header.Set("HTTP-Referer", c.cfg.SiteURL)
		}
		if c.cfg.SiteName != "" {
			req.Header.Set("X-Title", c.cfg.SiteName)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var orResp chatResponse
		if err := json.Unmarshal(body, &orResp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if orResp.Error != nil {
			return "", fmt.Errorf("API error: %s", orResp.Error.Message)
		}
		if len(orResp.Choices) == 0 {
			return "", fmt.Errorf("no completion returned: %w", ErrEmptyReply)
		}

		response := strings.TrimSpace(orResp.Choices[0].Message.Content)
		if response == "" {
			return "", ErrEmptyReply
		}
		logging.LLMDebug("[OpenRouter] completed in %v response_len=%d", time.Since(startTime), len(response))
		return response, nil
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// throttle keeps at least 100ms between requests from this client.
func (c *OpenRouterClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
