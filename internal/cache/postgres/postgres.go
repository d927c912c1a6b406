// Package postgres implements cache.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hikugen/internal/cache"
	"hikugen/internal/logging"
)

// Store is a PostgreSQL-backed snippet cache.
type Store struct {
	pool *pgxpool.Pool
}

var _ cache.Store = (*Store)(nil)

// New connects, verifies the connection and optionally migrates.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	cfg.apply(poolCfg)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	logging.Cache("Postgres cache connected (max_conns=%d, statement_timeout=%v)", cfg.MaxConns, cfg.StatementTimeout)
	return s, nil
}

func (s *Store) Get(ctx context.Context, key, fingerprint string) (*cache.Entry, error) {
	var e cache.Entry
	err := s.pool.QueryRow(ctx, `
		SELECT cache_key, schema_hash, extraction_code, created_at, last_successful_run
		FROM extraction_cache
		WHERE cache_key = $1 AND schema_hash = $2
	`, key, fingerprint).Scan(&e.Key, &e.Fingerprint, &e.Snippet, &e.CreatedAt, &e.LastSuccessfulRun)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying cache entry: %w", err)
	}
	return &e, nil
}

func (s *Store) Put(ctx context.Context, key, fingerprint, snippet string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO extraction_cache (cache_key, schema_hash, extraction_code, created_at, last_successful_run)
		VALUES ($1, $2, $3, $4, NULL)
		ON CONFLICT (cache_key, schema_hash) DO UPDATE SET
			extraction_code = EXCLUDED.extraction_code,
			created_at = EXCLUDED.created_at,
			last_successful_run = NULL
	`, key, fingerprint, snippet, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting cache entry: %w", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, key, fingerprint string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_cache SET last_successful_run = $3
		WHERE cache_key = $1 AND schema_hash = $2
	`, key, fingerprint, at.UTC())
	if err != nil {
		return fmt.Errorf("touching cache entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cache.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteByKey(ctx context.Context, key string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM extraction_cache WHERE cache_key = $1`, key)
	if err != nil {
		return 0, fmt.Errorf("deleting cache key %s: %w", key, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) DeleteAll(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM extraction_cache`)
	if err != nil {
		return 0, fmt.Errorf("clearing cache: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) List(ctx context.Context) ([]cache.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cache_key, schema_hash, extraction_code, created_at, last_successful_run
		FROM extraction_cache
		ORDER BY cache_key, schema_hash
	`)
	if err != nil {
		return nil, fmt.Errorf("listing cache: %w", err)
	}
	defer rows.Close()

	var out []cache.Entry
	for rows.Next() {
		var e cache.Entry
		if err := rows.Scan(&e.Key, &e.Fingerprint, &e.Snippet, &e.CreatedAt, &e.LastSuccessfulRun); err != nil {
			return nil, fmt.Errorf("scanning cache entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
