package llm

import (
	"context"
	"fmt"
	"strings"

	"hikugen/internal/extract"
	"hikugen/internal/logging"
)

// CodeGenerator implements extract.Generator on top of a chat client.
type CodeGenerator struct {
	client  Client
	allowed []string
}

// NewCodeGenerator creates a generator that tells the model which imports
// the sandbox will accept.
func NewCodeGenerator(client Client, allowedImports []string) *CodeGenerator {
	return &CodeGenerator{client: client, allowed: allowedImports}
}

// Generate implements extract.Generator.
func (g *CodeGenerator) Generate(ctx context.Context, req extract.GenerateRequest) (string, error) {
	if req.Schema == nil {
		return "", fmt.Errorf("llm: generate without schema")
	}
	if req.Prior != nil {
		logging.LLMDebug("regenerating after %s (attempt %d)", req.Prior.Kind, req.Attempt)
	}

	reply, err := complete(ctx, g.client, purposeGenerate, generatorSystem(g.allowed), generatorUser(req))
	if err != nil {
		return "", fmt.Errorf("generate snippet: %w", err)
	}
	return extractCodeBlock(reply, "go"), nil
}

// extractCodeBlock returns the first fenced block, preferring one tagged
// lang. A reply with no fence is returned trimmed, since models sometimes
// answer with bare code.
func extractCodeBlock(text, lang string) string {
	patterns := []string{
		"```" + lang + "\n",
		"```" + lang + "\r\n",
		"```\n",
	}

	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			end := strings.Index(text[start:], "```")
			if end != -1 {
				return strings.TrimSpace(text[start : start+end])
			}
		}
	}

	return strings.TrimSpace(text)
}
