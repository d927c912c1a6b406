// Package llm provides the language-model collaborators for the extraction
// loop: provider clients, the snippet generator and the quality judge.
package llm

import (
	"context"
	"errors"
	"time"

	"hikugen/internal/logging"
	"hikugen/internal/observability"
)

// Client is a single-turn chat completion capability.
type Client interface {
	// Complete sends a system and user message and returns the reply text.
	Complete(ctx context.Context, system, user string) (string, error)
	// Provider names the backend, used as a metrics label.
	Provider() string
}

// ErrNoAPIKey is returned when a provider is constructed without credentials.
var ErrNoAPIKey = errors.New("llm: API key not configured")

// ErrEmptyReply is returned when the provider answered with no text.
var ErrEmptyReply = errors.New("llm: empty reply")

const (
	purposeGenerate = "generate"
	purposeJudge    = "judge"
)

// complete wraps a provider call with timing, metrics and logging.
func complete(ctx context.Context, c Client, purpose, system, user string) (string, error) {
	start := time.Now()
	reply, err := c.Complete(ctx, system, user)
	elapsed := time.Since(start)

	observability.LLMLatency.WithLabelValues(c.Provider()).Observe(elapsed.Seconds())
	observability.LLMRequestsTotal.WithLabelValues(c.Provider(), purpose, observability.ResultLabel(err)).Inc()

	if err != nil {
		logging.Get(logging.CategoryLLM).Warn("%s %s call failed after %v: %v", c.Provider(), purpose, elapsed, err)
		return "", err
	}
	logging.LLMDebug("%s %s call completed in %v reply_len=%d", c.Provider(), purpose, elapsed, len(reply))
	return reply, nil
}
