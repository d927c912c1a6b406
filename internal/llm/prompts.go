package llm

import (
	"fmt"
	"strings"

	"hikugen/internal/extract"
	"hikugen/internal/sandbox"
)

// =============================================================================
// PROMPTS
// =============================================================================

const generatorSystemPrompt = `You are a Go code generator that writes HTML data extractors.

Write a single Go file in package main that defines exactly this function:

    func %s(%s string) map[string]any

Rules:
- The function receives the full raw HTML of a page and returns the extracted data.
- Return a map whose keys are the schema's top-level field names.
- Use nested map[string]any for objects and []any for arrays.
- Return numbers as float64 or int, booleans as bool, strings trimmed of whitespace.
- Never panic on missing elements; skip optional fields that are absent.
- You may define helper functions and types.
- You may only import these packages:
%s
- Do not read files, environment variables or start processes.

Reply with the code in one fenced go block and nothing else.`

const judgeSystemPrompt = `You review the output of an automated HTML data extractor.

Decide whether the extracted data faithfully reflects the page for the given schema.
Reject when values are empty that clearly exist on the page, when values come from
the wrong element, or when lists are obviously truncated or duplicated.
Accept minor formatting differences.

Reply with a single JSON object and nothing else:
{"pass": true|false, "reasons": ["short reason", ...]}`

func generatorSystem(allowed []string) string {
	var b strings.Builder
	for _, path := range allowed {
		fmt.Fprintf(&b, "  - %s\n", path)
	}
	return fmt.Sprintf(generatorSystemPrompt, sandbox.EntryPoint, sandbox.EntryParam, strings.TrimRight(b.String(), "\n"))
}

func generatorUser(req extract.GenerateRequest) string {
	var b strings.Builder
	b.WriteString("Generate an extractor for this schema:\n\n")
	b.WriteString(req.Description)
	b.WriteString("\nPage HTML sample:\n```html\n")
	b.WriteString(req.HTMLSample)
	b.WriteString("\n```\n")

	if req.Prior != nil {
		fmt.Fprintf(&b, `
YOUR PREVIOUS ATTEMPT FAILED (attempt %d):
%s
Fix the problem above. Do not repeat it.
`, req.Attempt-1, req.Prior.Feedback())
	}

	b.WriteString("\nGenerate complete Go code:")
	return b.String()
}

func judgeUser(req extract.JudgeRequest, instanceJSON []byte) string {
	var b strings.Builder
	b.WriteString("Schema:\n")
	b.WriteString(req.Description)
	b.WriteString("\nExtracted data:\n```json\n")
	b.Write(instanceJSON)
	b.WriteString("\n```\n\nPage HTML sample:\n```html\n")
	b.WriteString(req.HTMLSample)
	b.WriteString("\n```\n\nIs this extraction correct?")
	return b.String()
}
