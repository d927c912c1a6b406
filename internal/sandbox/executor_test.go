package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hikugen/internal/failure"
)

const productSnippet = `package main

import (
	"strings"

	"golang.org/x/net/html"
)

func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

func ExtractData(htmlContent string) map[string]any {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	var find func(*html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if a.Key == "class" && a.Val == "title" {
					out["title"] = text(n)
				}
				if a.Key == "class" && a.Val == "price" {
					out["price"] = text(n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	return out
}
`

const runawaySnippet = `package main

func ExtractData(htmlContent string) map[string]any {
	n := 0
	for {
		n++
	}
	return map[string]any{"n": n}
}
`

func TestExecuteExtractsFromHTML(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), 2)
	page := `<html><body><h1 class="title">Widget</h1><span class="price">9.99</span></body></html>`

	got, err := e.Execute(context.Background(), productSnippet, page, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Widget", "price": "9.99"}, got)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Running)
}

func TestExecutePassesInputVerbatim(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), 1)
	src := `package main
func ExtractData(htmlContent string) map[string]any {
	return map[string]any{"echo": htmlContent, "len": len(htmlContent)}
}`
	input := "quotes \" and `backticks` \n newlines \\ and ünïcode"

	got, err := e.Execute(context.Background(), src, input, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, input, got["echo"])
	assert.Equal(t, len(input), got["len"])
}

func TestExecuteNamespaceIsolation(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), 1)
	counter := `package main
var counter = 41
func ExtractData(htmlContent string) map[string]any {
	counter++
	return map[string]any{"counter": counter}
}`
	for i := 0; i < 3; i++ {
		got, err := e.Execute(context.Background(), counter, "", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 42, got["counter"], "run %d saw state from a previous run", i)
	}

	// A second snippet must not see the first snippet's globals either.
	fresh := `package main
var counter int
func ExtractData(htmlContent string) map[string]any {
	return map[string]any{"counter": counter}
}`
	got, err := e.Execute(context.Background(), fresh, "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, got["counter"])
}

func TestExecuteRaised(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), 2)
	tests := []struct {
		name string
		src  string
	}{
		{"panic", `package main
func ExtractData(htmlContent string) map[string]any { panic("boom") }`},
		{"index out of range", `package main
func ExtractData(htmlContent string) map[string]any {
	var xs []int
	return map[string]any{"x": xs[3]}
}`},
		{"nil map write", `package main
func ExtractData(htmlContent string) map[string]any {
	var m map[string]any
	m["x"] = 1
	return m
}`},
		{"compile error", `package main
func ExtractData(htmlContent string) map[string]any { return undefinedThing }`},
		{"import outside symbol table", `package main
import "os"
func ExtractData(htmlContent string) map[string]any { return map[string]any{"h": os.Getenv("HOME")} }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), tt.src, "", 5*time.Second)
			kind, ok := failure.KindOf(err)
			require.True(t, ok, "expected failure, got %v", err)
			assert.Equal(t, failure.ExecutionRaised, kind, "%v", err)
		})
	}
}

func TestExecuteInvalidReturnShape(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), 1)
	tests := []struct {
		name string
		src  string
	}{
		{"string", `package main
func ExtractData(htmlContent string) string { return "not a map" }`},
		{"slice", `package main
func ExtractData(htmlContent string) []string { return []string{"a"} }`},
		{"int keyed map", `package main
func ExtractData(htmlContent string) map[int]string { return map[int]string{1: "a"} }`},
		{"nil interface", `package main
func ExtractData(htmlContent string) any { return nil }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), tt.src, "", 5*time.Second)
			kind, ok := failure.KindOf(err)
			require.True(t, ok, "expected failure, got %v", err)
			assert.Equal(t, failure.InvalidReturnShape, kind, "%v", err)
		})
	}
}

func TestExecuteTimeoutBound(t *testing.T) {
	deadlines := []time.Duration{1 * time.Second, 3 * time.Second, 10 * time.Second}
	const slack = 750 * time.Millisecond

	for _, d := range deadlines {
		t.Run(d.String(), func(t *testing.T) {
			if d > 5*time.Second && testing.Short() {
				t.Skip("long deadline skipped in -short mode")
			}
			e := NewExecutor(DefaultPolicy(), 1)

			start := time.Now()
			_, err := e.Execute(context.Background(), runawaySnippet, "", d)
			elapsed := time.Since(start)

			kind, ok := failure.KindOf(err)
			require.True(t, ok, "expected failure, got %v", err)
			assert.Equal(t, failure.ExecutionTimeout, kind)
			assert.Less(t, elapsed, d+slack, "Execute overran its deadline")
			assert.GreaterOrEqual(t, elapsed, d-50*time.Millisecond)
			assert.Equal(t, int64(1), e.Stats().Timeouts)
		})
	}
}

func TestExecuteAbandonedWorkerIsReclaimed(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), 1)
	_, err := e.Execute(context.Background(), runawaySnippet, "", 200*time.Millisecond)
	kind, _ := failure.KindOf(err)
	require.Equal(t, failure.ExecutionTimeout, kind)

	// Cancellation stops the interpreted loop, which frees the only slot.
	require.Eventually(t, func() bool {
		return e.Stats().Running == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(0), e.Stats().Abandoned)

	got, err := e.Execute(context.Background(), `package main
func ExtractData(htmlContent string) map[string]any { return map[string]any{"ok": true} }`, "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, got["ok"])
}

func TestExecuteSaturated(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), 1)
	// Hold the only slot as an abandoned worker would.
	require.NoError(t, e.sem.Acquire(context.Background(), 1))
	defer e.sem.Release(1)

	start := time.Now()
	_, err := e.Execute(context.Background(), productSnippet, "", 300*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	kind, _ := failure.KindOf(err)
	assert.Equal(t, failure.ExecutionTimeout, kind)
	assert.True(t, errors.Is(err, ErrSaturated), "expected ErrSaturated in chain: %v", err)
}

func TestExecuteRejectsNonPositiveDeadline(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), 1)
	_, err := e.Execute(context.Background(), productSnippet, "", 0)
	require.Error(t, err)
	_, isFailure := failure.As(err)
	assert.False(t, isFailure, "a bad deadline is caller misuse, not a snippet failure")
}

func TestExecuteNarrowedPolicyHidesSymbols(t *testing.T) {
	p, err := NewPolicy([]string{"strings"}, 0)
	require.NoError(t, err)
	e := NewExecutor(p, 1)

	_, err = e.Execute(context.Background(), productSnippet, "<p></p>", 5*time.Second)
	kind, _ := failure.KindOf(err)
	assert.Equal(t, failure.ExecutionRaised, kind, "html package should not resolve under a narrowed policy")
}

func TestExecuteHTTPIsClientOnly(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), 2)

	client := `package main
import "net/http"
func ExtractData(htmlContent string) map[string]any {
	req, err := http.NewRequest(http.MethodGet, "http://example.invalid/x", nil)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	req.Header.Set("Accept", "text/html")
	return map[string]any{"method": req.Method, "ok": http.StatusText(http.StatusOK)}
}`
	got, err := e.Execute(context.Background(), client, "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "GET", got["method"])
	assert.Equal(t, "OK", got["ok"])

	for name, src := range map[string]string{
		"Dir": `package main
import (
	"io"
	"net/http"
)
func ExtractData(htmlContent string) map[string]any {
	f, err := http.Dir("/etc").Open("hostname")
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	data, _ := io.ReadAll(f)
	return map[string]any{"leak": string(data)}
}`,
		"ListenAndServe": `package main
import "net/http"
func ExtractData(htmlContent string) map[string]any {
	return map[string]any{"err": http.ListenAndServe(":0", nil)}
}`,
		"FileServer": `package main
import "net/http"
func ExtractData(htmlContent string) map[string]any {
	_ = http.FileServer(nil)
	return map[string]any{}
}`,
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, NewValidator(DefaultPolicy()).Validate(src))
			out, err := e.Execute(context.Background(), src, "", 5*time.Second)
			kind, ok := failure.KindOf(err)
			require.True(t, ok, "expected %s to be unresolved, got %v", name, out)
			assert.Equal(t, failure.ExecutionRaised, kind)
		})
	}
}

func TestExecuteConcurrent(t *testing.T) {
	e := NewExecutor(DefaultPolicy(), 4)
	src := `package main
import "strings"
func ExtractData(htmlContent string) map[string]any {
	return map[string]any{"upper": strings.ToUpper(htmlContent)}
}`
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			in := fmt.Sprintf("page-%d", i)
			got, err := e.Execute(context.Background(), src, in, 10*time.Second)
			if err == nil && got["upper"] != fmt.Sprintf("PAGE-%d", i) {
				err = fmt.Errorf("run %d got %v", i, got)
			}
			errs <- err
		}(i)
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-errs)
	}
}
