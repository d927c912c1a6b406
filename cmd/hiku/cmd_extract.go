package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hikugen/internal/cache"
	"hikugen/internal/extract"
	"hikugen/internal/failure"
	"hikugen/internal/fetch"
	"hikugen/internal/logging"
	"hikugen/internal/schema"
)

var (
	schemaPath  string
	pageURL     string
	pageFile    string
	cacheKey    string
	noCache     bool
	noJudge     bool
	maxAttempts int
	showCode    bool
	concurrency int
)

// extractCmd runs one extraction
var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract structured data from one page",
	Long: `Fetches (or reads) a page and extracts an instance of the schema from it.

The page key defaults to the canonical URL or the file path. A cached extractor for the same
key and schema is tried first; otherwise one is generated, checked, run and
validated, regenerating on failure up to --max-attempts extra times.

Example:
  hiku extract --schema product.yaml --url https://shop.example/widget`,
	RunE: runExtract,
}

// batchCmd extracts many URLs concurrently
var batchCmd = &cobra.Command{
	Use:   "batch URL...",
	Short: "Extract the same schema from many pages concurrently",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBatch,
}

func init() {
	for _, c := range []*cobra.Command{extractCmd, batchCmd} {
		c.Flags().StringVarP(&schemaPath, "schema", "s", "", "Schema file (YAML or JSON, required)")
		c.Flags().BoolVar(&noCache, "no-cache", false, "Neither consult nor populate the cache")
		c.Flags().BoolVar(&noJudge, "no-judge", false, "Skip the quality judge")
		c.Flags().IntVar(&maxAttempts, "max-attempts", -1, "Regeneration budget (default from config)")
		_ = c.MarkFlagRequired("schema")
	}
	extractCmd.Flags().StringVar(&pageURL, "url", "", "Page URL to fetch")
	extractCmd.Flags().StringVar(&pageFile, "file", "", "Local HTML file")
	extractCmd.Flags().StringVar(&cacheKey, "key", "", "Cache key (default: the URL or file path)")
	extractCmd.Flags().BoolVar(&showCode, "show-code", false, "Print the extractor source to stderr")
	extractCmd.MarkFlagsMutuallyExclusive("url", "file")
	extractCmd.MarkFlagsOneRequired("url", "file")

	batchCmd.Flags().IntVarP(&concurrency, "concurrency", "j", 4, "Concurrent extractions")
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := schema.LoadFile(schemaPath)
	if err != nil {
		return err
	}

	page, key, err := loadPage(ctx, pageURL, pageFile)
	if err != nil {
		return err
	}
	if cacheKey != "" {
		key = cacheKey
	}

	eng, err := newEngine(ctx, cfg, !noCache, maxAttempts)
	if err != nil {
		return err
	}
	defer eng.Close()
	defer eng.report(cmd.ErrOrStderr())

	res, err := eng.orch.Extract(ctx, extract.Request{
		Key:      key,
		Schema:   s,
		HTML:     page,
		UseCache: !noCache,
		Judge:    !noJudge && cfg.Regeneration.Judge,
	})
	if err != nil {
		reportFailure(cmd.ErrOrStderr(), res, err)
		return err
	}

	if showCode {
		fmt.Fprintf(cmd.ErrOrStderr(), "// extractor (from cache: %v, attempts: %d)\n%s\n", res.FromCache, res.Attempts, res.Snippet)
	}
	return writeJSON(cmd.OutOrStdout(), res.Instance)
}

// batchResult is one line of batch output.
type batchResult struct {
	URL       string         `json:"url"`
	Instance  map[string]any `json:"instance,omitempty"`
	FromCache bool           `json:"from_cache"`
	Attempts  int            `json:"attempts"`
	Error     string         `json:"error,omitempty"`
	Kind      string         `json:"kind,omitempty"`
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := schema.LoadFile(schemaPath)
	if err != nil {
		return err
	}
	eng, err := newEngine(ctx, cfg, !noCache, maxAttempts)
	if err != nil {
		return err
	}
	defer eng.Close()
	defer eng.report(cmd.ErrOrStderr())

	fetcher := fetch.FromConfig(cfg)
	results := make([]batchResult, len(args))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, url := range args {
		g.Go(func() error {
			results[i] = extractOne(gctx, eng.orch, fetcher, s, url)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	out := cmd.OutOrStdout()
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
		line, _ := json.Marshal(r)
		fmt.Fprintln(out, string(line))
	}
	logging.Get(logging.CategoryCLI).Info("batch finished: %d pages, %d failed", len(args), failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d extractions failed", failed, len(args))
	}
	return nil
}

func extractOne(ctx context.Context, orch *extract.Orchestrator, fetcher *fetch.Fetcher, s *schema.Schema, url string) batchResult {
	r := batchResult{URL: url}
	page, err := fetcher.Fetch(ctx, url)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	res, err := orch.Extract(ctx, extract.Request{
		Key:      cache.GenerateKey(url),
		Schema:   s,
		HTML:     page,
		UseCache: !noCache,
		Judge:    !noJudge && cfg.Regeneration.Judge,
	})
	if res != nil {
		r.FromCache = res.FromCache
		r.Attempts = res.Attempts
	}
	if err != nil {
		r.Error = err.Error()
		if kind, ok := failure.KindOf(err); ok {
			r.Kind = kind.String()
		}
		return r
	}
	r.Instance = res.Instance
	return r
}

// loadPage returns the page HTML and its default cache key.
func loadPage(ctx context.Context, url, file string) (string, string, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", "", fmt.Errorf("failed to read page: %w", err)
		}
		return string(data), file, nil
	}
	page, err := fetch.FromConfig(cfg).Fetch(ctx, url)
	if err != nil {
		return "", "", err
	}
	return page, cache.GenerateKey(url), nil
}

func reportFailure(w io.Writer, res *extract.Result, err error) {
	f, ok := failure.As(err)
	if !ok {
		return
	}
	attempts := 0
	if res != nil {
		attempts = res.Attempts
	}
	fmt.Fprintf(w, "extraction failed: %s after %d attempt(s)\n", f.Kind, attempts)
	if last, ok := failure.As(f.Cause); ok && last != f {
		fmt.Fprintf(w, "last failure:\n%s", last.Feedback())
	}
	if res != nil {
		for _, rec := range res.Trace {
			fmt.Fprintf(w, "  %s\n", rec)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
