// Package cache persists validated extraction snippets keyed by a logical key
// and a schema fingerprint.
package cache

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when no entry exists for a key and fingerprint.
var ErrNotFound = errors.New("cache: entry not found")

// Entry is one cached snippet.
type Entry struct {
	Key               string     `json:"cache_key"`
	Fingerprint       string     `json:"schema_hash"`
	Snippet           string     `json:"extraction_code"`
	CreatedAt         time.Time  `json:"created_at"`
	LastSuccessfulRun *time.Time `json:"last_successful_run,omitempty"`
}

// Store is the snippet cache. Every method is one atomic unit: concurrent
// callers never observe a half-applied write, and concurrent Puts to the same
// (key, fingerprint) resolve last-write-wins.
type Store interface {
	// Get returns the entry or ErrNotFound.
	Get(ctx context.Context, key, fingerprint string) (*Entry, error)

	// Put inserts or overwrites the entry and clears LastSuccessfulRun.
	Put(ctx context.Context, key, fingerprint, snippet string) error

	// Touch records a successful run of a cached entry; ErrNotFound if absent.
	Touch(ctx context.Context, key, fingerprint string, at time.Time) error

	// DeleteByKey removes every fingerprint stored under key.
	DeleteByKey(ctx context.Context, key string) (int, error)

	// DeleteAll empties the cache.
	DeleteAll(ctx context.Context) (int, error)

	// List returns all entries ordered by key, then fingerprint.
	List(ctx context.Context) ([]Entry, error)

	Close() error
}

// GenerateKey derives the logical key for a page. URLs are canonicalized so
// spellings of the same page share an entry: scheme and host are lowercased,
// default ports, userinfo and fragments are dropped and an empty path becomes
// "/". Anything that is not an absolute URL is returned trimmed. The schema
// half of the cache key is the fingerprint column, not part of this string.
func GenerateKey(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && !defaultPort(u.Scheme, port) {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}

func defaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
