// Package redis implements cache.Store on Redis.
//
// Layout under the prefix (default "hikugen:cache:"):
//
//	entry:<key>  hash  fingerprint -> JSON {extraction_code, created_at}
//	run:<key>    hash  fingerprint -> last successful run (RFC 3339)
//	keys         set   logical keys present
//
// Multi-key writes go through MULTI/EXEC or a Lua script so each Store call
// stays atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"hikugen/internal/cache"
	"hikugen/internal/logging"
)

// Store implements cache.Store using Redis.
type Store struct {
	client backend.UniversalClient
	prefix string
}

var _ cache.Store = (*Store)(nil)

type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a store on an existing client.
func New(client backend.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "hikugen:cache:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to address and verifies the server answers.
func Dial(ctx context.Context, address, password string, db int, opts ...Option) (*Store, error) {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", address, err)
	}
	logging.Cache("Redis cache connected at %s", address)
	return New(rdb, opts...), nil
}

func (s *Store) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *Store) runKey(key string) string   { return s.prefix + "run:" + key }
func (s *Store) indexKey() string           { return s.prefix + "keys" }

type record struct {
	Snippet   string    `json:"extraction_code"`
	CreatedAt time.Time `json:"created_at"`
}

// Get reads the entry and its last-run stamp in one transaction.
func (s *Store) Get(ctx context.Context, key, fingerprint string) (*cache.Entry, error) {
	var entryCmd, runCmd *backend.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		entryCmd = pipe.HGet(ctx, s.entryKey(key), fingerprint)
		runCmd = pipe.HGet(ctx, s.runKey(key), fingerprint)
		return nil
	})
	if err != nil && !errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	raw, err := entryCmd.Result()
	if errors.Is(err, backend.Nil) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	run, err := runCmd.Result()
	if err != nil && !errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("failed to get run stamp: %w", err)
	}
	return decode(key, fingerprint, raw, run)
}

// Put overwrites the entry and clears its run stamp.
func (s *Store) Put(ctx context.Context, key, fingerprint, snippet string) error {
	data, err := json.Marshal(record{Snippet: snippet, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.HSet(ctx, s.entryKey(key), fingerprint, data)
		pipe.HDel(ctx, s.runKey(key), fingerprint)
		pipe.SAdd(ctx, s.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	logging.CacheDebug("Stored snippet in redis: key=%s fingerprint=%.12s", key, fingerprint)
	return nil
}

var touchScript = backend.NewScript(`
	if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
		redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
		return 1
	end
	return 0
`)

func (s *Store) Touch(ctx context.Context, key, fingerprint string, at time.Time) error {
	n, err := touchScript.Run(ctx, s.client,
		[]string{s.entryKey(key), s.runKey(key)},
		fingerprint, at.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to touch entry: %w", err)
	}
	if n == 0 {
		return cache.ErrNotFound
	}
	return nil
}

var deleteKeyScript = backend.NewScript(`
	local n = redis.call("HLEN", KEYS[1])
	redis.call("DEL", KEYS[1], KEYS[2])
	redis.call("SREM", KEYS[3], ARGV[1])
	return n
`)

func (s *Store) DeleteByKey(ctx context.Context, key string) (int, error) {
	n, err := deleteKeyScript.Run(ctx, s.client,
		[]string{s.entryKey(key), s.runKey(key), s.indexKey()},
		key,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	logging.Cache("Cleared %d redis entries for key %s", n, key)
	return n, nil
}

// Keys outside KEYS are derived from the prefix, so this script is not
// cluster-safe; the cache runs against a single node.
var deleteAllScript = backend.NewScript(`
	local total = 0
	for _, k in ipairs(redis.call("SMEMBERS", KEYS[1])) do
		total = total + redis.call("HLEN", ARGV[1] .. "entry:" .. k)
		redis.call("DEL", ARGV[1] .. "entry:" .. k, ARGV[1] .. "run:" .. k)
	end
	redis.call("DEL", KEYS[1])
	return total
`)

func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	n, err := deleteAllScript.Run(ctx, s.client, []string{s.indexKey()}, s.prefix).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to clear redis cache: %w", err)
	}
	logging.Cache("Cleared %d redis cache entries", n)
	return n, nil
}

// List reads every indexed key's hashes in one transaction.
func (s *Store) List(ctx context.Context) ([]cache.Entry, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	entryCmds := make([]*backend.MapStringStringCmd, len(keys))
	runCmds := make([]*backend.MapStringStringCmd, len(keys))
	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		for i, key := range keys {
			entryCmds[i] = pipe.HGetAll(ctx, s.entryKey(key))
			runCmds[i] = pipe.HGetAll(ctx, s.runKey(key))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list redis cache: %w", err)
	}

	var out []cache.Entry
	for i, key := range keys {
		runs := runCmds[i].Val()
		for fp, raw := range entryCmds[i].Val() {
			e, err := decode(key, fp, raw, runs[fp])
			if err != nil {
				return nil, err
			}
			out = append(out, *e)
		}
	}
	cache.SortEntries(out)
	return out, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decode(key, fingerprint, raw, run string) (*cache.Entry, error) {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry %s: %w", key, err)
	}
	e := &cache.Entry{
		Key:         key,
		Fingerprint: fingerprint,
		Snippet:     rec.Snippet,
		CreatedAt:   rec.CreatedAt,
	}
	if run != "" {
		t, err := time.Parse(time.RFC3339Nano, run)
		if err != nil {
			return nil, fmt.Errorf("bad run stamp for %s: %w", key, err)
		}
		e.LastSuccessfulRun = &t
	}
	return e, nil
}
