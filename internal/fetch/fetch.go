// Package fetch downloads page HTML for extraction.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"hikugen/internal/config"
	"hikugen/internal/logging"
)

// ErrTooLarge is returned when a page exceeds the configured size cap.
var ErrTooLarge = errors.New("fetch: page exceeds size limit")

// ErrNotHTML is returned when the response cannot be parsed as HTML.
var ErrNotHTML = errors.New("fetch: response is not HTML")

// Fetcher retrieves pages over HTTP.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// New creates a Fetcher.
func New(timeout time.Duration, userAgent string, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		maxBytes:  maxBytes,
	}
}

// FromConfig creates a Fetcher from the fetch config section.
func FromConfig(cfg *config.Config) *Fetcher {
	return New(cfg.GetFetchTimeout(), cfg.Fetch.UserAgent, cfg.Fetch.MaxBytes)
}

// Fetch GETs url and returns its body decoded to UTF-8.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	timer := logging.StartTimer(logging.CategoryFetch, "fetch "+url)
	defer timer.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetch: build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return "", fmt.Errorf("%w: content length %d > %d", ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("fetch %s: read body: %w", url, err)
	}
	if int64(len(body)) > f.maxBytes {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}

	page, err := decode(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", err
	}
	logging.Fetch("fetched %s status=%d bytes=%d", url, resp.StatusCode, len(page))
	return page, nil
}

// decode converts body to UTF-8 and checks it parses as HTML.
func decode(body []byte, contentType string) (string, error) {
	if ct := strings.ToLower(contentType); ct != "" &&
		!strings.Contains(ct, "html") && !strings.Contains(ct, "xml") && !strings.HasPrefix(ct, "text/") {
		return "", fmt.Errorf("%w: content type %q", ErrNotHTML, contentType)
	}

	r, err := charset.NewReader(strings.NewReader(string(body)), contentType)
	if err != nil {
		return "", fmt.Errorf("fetch: decode charset: %w", err)
	}
	utf8Body, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("fetch: decode charset: %w", err)
	}

	page := string(utf8Body)
	if _, err := html.Parse(strings.NewReader(page)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotHTML, err)
	}
	return page, nil
}
