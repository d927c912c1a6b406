package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"hikugen/internal/extract"
)

// ErrUnparseableVerdict is returned when the judge reply holds no usable
// verdict object. The orchestrator treats it like any judge transport error.
var ErrUnparseableVerdict = errors.New("llm: unparseable verdict")

// QualityJudge implements extract.Judge on top of a chat client.
type QualityJudge struct {
	client Client
}

// NewQualityJudge creates a judge.
func NewQualityJudge(client Client) *QualityJudge {
	return &QualityJudge{client: client}
}

// Judge implements extract.Judge.
func (j *QualityJudge) Judge(ctx context.Context, req extract.JudgeRequest) (extract.Verdict, error) {
	data, err := req.Instance.JSON()
	if err != nil {
		return extract.Verdict{}, fmt.Errorf("encode instance: %w", err)
	}

	reply, err := complete(ctx, j.client, purposeJudge, judgeSystemPrompt, judgeUser(req, data))
	if err != nil {
		return extract.Verdict{}, fmt.Errorf("judge: %w", err)
	}
	return parseVerdict(reply)
}

func parseVerdict(reply string) (extract.Verdict, error) {
	obj, ok := extractJSONObject(reply)
	if !ok {
		return extract.Verdict{}, fmt.Errorf("%w: no JSON object in %q", ErrUnparseableVerdict, truncate(reply, 120))
	}

	var raw struct {
		Pass    *bool    `json:"pass"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return extract.Verdict{}, fmt.Errorf("%w: %v", ErrUnparseableVerdict, err)
	}
	if raw.Pass == nil {
		return extract.Verdict{}, fmt.Errorf("%w: missing \"pass\"", ErrUnparseableVerdict)
	}
	return extract.Verdict{Pass: *raw.Pass, Reasons: raw.Reasons}, nil
}

// extractJSONObject finds the first balanced {...} in text, skipping braces
// inside string literals.
func extractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
