package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hikugen/internal/config"
	"hikugen/internal/extract"
	"hikugen/internal/sandbox"
)

const titleSnippet = `package main

import "strings"

func ExtractData(htmlContent string) map[string]any {
	start := strings.Index(htmlContent, "<h1>")
	end := strings.Index(htmlContent, "</h1>")
	if start < 0 || end < start {
		return map[string]any{}
	}
	return map[string]any{"title": strings.TrimSpace(htmlContent[start+4 : end])}
}
`

const titleSchema = `
name: page
fields:
  - name: title
    type: string
`

// workspace writes a config and schema into a temp dir and returns their paths.
func workspace(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	c := config.DefaultConfig()
	c.Cache.DatabasePath = filepath.Join(dir, "cache.db")
	c.Logging.Level = "error"
	c.Regeneration.Judge = false
	cfgFile := filepath.Join(dir, "hikugen.yaml")
	require.NoError(t, c.Save(cfgFile))

	schemaFile := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(schemaFile, []byte(titleSchema), 0644))
	return cfgFile, schemaFile
}

// fakeGenerator swaps in a scripted generator and counts calls.
func fakeGenerator(t *testing.T, reply string) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	prev := newCollaborators
	newCollaborators = func(*config.Config, sandbox.Policy) (extract.Generator, extract.Judge, error) {
		gen := extract.GeneratorFunc(func(ctx context.Context, req extract.GenerateRequest) (string, error) {
			calls.Add(1)
			return reply, nil
		})
		return gen, nil, nil
	}
	t.Cleanup(func() { newCollaborators = prev })
	return &calls
}

// runCLI executes the root command with fresh flag values.
func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestFingerprintCmd(t *testing.T) {
	cfgFile, schemaFile := workspace(t)
	out, _, err := runCLI(t, "--config", cfgFile, "fingerprint", "--schema", schemaFile)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{64}\n$`, out)

	again, _, err := runCLI(t, "--config", cfgFile, "fingerprint", "-s", schemaFile)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestValidateCmd(t *testing.T) {
	cfgFile, _ := workspace(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "good.go")
	require.NoError(t, os.WriteFile(good, []byte(titleSnippet), 0644))
	out, _, err := runCLI(t, "--config", cfgFile, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	bad := filepath.Join(dir, "bad.go")
	require.NoError(t, os.WriteFile(bad, []byte(`package main
import "os"
func ExtractData(htmlContent string) map[string]any { return map[string]any{"h": os.Getenv("HOME")} }`), 0644))
	out, _, err = runCLI(t, "--config", cfgFile, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "forbidden_import")
}

func TestExtractCmdCachesExtractor(t *testing.T) {
	cfgFile, schemaFile := workspace(t)
	calls := fakeGenerator(t, titleSnippet)

	page := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(page, []byte("<html><h1> Widget </h1></html>"), 0644))

	out, _, err := runCLI(t, "--config", cfgFile, "extract", "--schema", schemaFile, "--file", page)
	require.NoError(t, err)
	var inst map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &inst))
	assert.Equal(t, map[string]any{"title": "Widget"}, inst)
	assert.Equal(t, int32(1), calls.Load())

	_, stderr, err := runCLI(t, "--config", cfgFile, "extract", "--schema", schemaFile, "--file", page, "--show-code")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second run should come from cache")
	assert.Contains(t, stderr, "from cache: true")

	list, _, err := runCLI(t, "--config", cfgFile, "cache", "show")
	require.NoError(t, err)
	assert.Contains(t, list, page)

	cleared, _, err := runCLI(t, "--config", cfgFile, "cache", "clear", page)
	require.NoError(t, err)
	assert.Equal(t, "deleted 1 entries\n", cleared)

	empty, _, err := runCLI(t, "--config", cfgFile, "cache", "show")
	require.NoError(t, err)
	assert.Equal(t, "cache is empty\n", empty)
}

func TestExtractCmdNoCache(t *testing.T) {
	cfgFile, schemaFile := workspace(t)
	calls := fakeGenerator(t, titleSnippet)

	page := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(page, []byte("<h1>A</h1>"), 0644))

	for i := 0; i < 2; i++ {
		_, _, err := runCLI(t, "--config", cfgFile, "extract", "-s", schemaFile, "--file", page, "--no-cache")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestExtractCmdReportsExhaustion(t *testing.T) {
	cfgFile, schemaFile := workspace(t)
	calls := fakeGenerator(t, `package main
func ExtractData(htmlContent string) map[string]any { return map[string]any{} }`)

	page := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(page, []byte("<h1>A</h1>"), 0644))

	_, stderr, err := runCLI(t, "--config", cfgFile, "extract", "-s", schemaFile, "--file", page, "--max-attempts", "1")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, stderr, "regeneration_exhausted after 2 attempt(s)")
}

func TestExtractCmdVerboseStats(t *testing.T) {
	cfgFile, schemaFile := workspace(t)
	fakeGenerator(t, titleSnippet)

	page := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(page, []byte("<h1>A</h1>"), 0644))

	_, stderr, err := runCLI(t, "--config", cfgFile, "extract", "-s", schemaFile, "--file", page)
	require.NoError(t, err)
	assert.NotContains(t, stderr, "stats:")

	_, stderr, err = runCLI(t, "--config", cfgFile, "--verbose", "extract", "-s", schemaFile, "--file", page)
	require.NoError(t, err)
	assert.Contains(t, stderr, "stats: runs=1 cache_hits=1")
	assert.Contains(t, stderr, "successes=1 failures=0")
	assert.Contains(t, stderr, "sandbox: completed=1 timeouts=0")
}

func TestExtractCmdRequiresSource(t *testing.T) {
	cfgFile, schemaFile := workspace(t)
	_, _, err := runCLI(t, "--config", cfgFile, "extract", "-s", schemaFile)
	assert.Error(t, err)
}

func TestBatchCmd(t *testing.T) {
	cfgFile, schemaFile := workspace(t)
	fakeGenerator(t, titleSnippet)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<h1>%s</h1>", strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer srv.Close()

	out, _, err := runCLI(t, "--config", cfgFile, "batch", "-s", schemaFile, "-j", "2",
		srv.URL+"/alpha", srv.URL+"/beta", srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 extractions failed")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var first batchResult
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, srv.URL+"/alpha", first.URL)
	assert.Equal(t, "alpha", first.Instance["title"])
	assert.Contains(t, lines[2], "status 404")

	// Keys are canonical URLs, so another spelling of the page clears it.
	cleared, _, err := runCLI(t, "--config", cfgFile, "cache", "clear", strings.ToUpper(srv.URL[:4])+srv.URL[4:]+"/alpha#reviews")
	require.NoError(t, err)
	assert.Equal(t, "deleted 1 entries\n", cleared)
}
