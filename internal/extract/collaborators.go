package extract

import (
	"context"
	"time"

	"hikugen/internal/failure"
	"hikugen/internal/schema"
)

// =============================================================================
// COLLABORATORS
// =============================================================================
// The orchestrator composes these; the llm package provides the production
// Generator and Judge, the sandbox package the Validator and Executor.

// GenerateRequest is everything a generator gets for one fresh attempt.
type GenerateRequest struct {
	Schema      *schema.Schema
	Description string           // schema.Describe output
	HTMLSample  string           // page HTML truncated to the configured sample length
	Prior       *failure.Failure // previous fresh attempt's failure; nil on the first
	Attempt     int              // 1-based
}

// Generator produces snippet source. An error means the capability itself
// failed (transport), not that the snippet is bad.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return f(ctx, req)
}

// JudgeRequest is what the judge sees for one conforming fresh instance.
type JudgeRequest struct {
	Instance    schema.Instance
	Schema      *schema.Schema
	Description string
	HTMLSample  string
}

// Verdict is a judge's decision.
type Verdict struct {
	Pass    bool     `json:"pass"`
	Reasons []string `json:"reasons,omitempty"`
}

// Judge assesses whether an instance is a faithful extraction. An error is a
// transport failure and is treated as a pass.
type Judge interface {
	Judge(ctx context.Context, req JudgeRequest) (Verdict, error)
}

// JudgeFunc adapts a function to Judge.
type JudgeFunc func(ctx context.Context, req JudgeRequest) (Verdict, error)

func (f JudgeFunc) Judge(ctx context.Context, req JudgeRequest) (Verdict, error) {
	return f(ctx, req)
}

// Validator statically checks a snippet; *sandbox.Validator satisfies it.
type Validator interface {
	Validate(src string) error
}

// Executor runs a validated snippet; *sandbox.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, src, input string, deadline time.Duration) (map[string]any, error)
}
