package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hikugen/internal/logging"

	_ "modernc.org/sqlite"
)

// SQLite persists snippets in a single-file database.
//
// Storage location: cache.database_path (default hikugen.db)
type SQLite struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the cache database at dbPath.
// ":memory:" gives a private in-memory database.
func OpenSQLite(dbPath string) (*SQLite, error) {
	logging.CacheDebug("Initializing SQLite cache at path: %s", dbPath)

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryCache).Error("Failed to create cache directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		logging.Get(logging.CategoryCache).Error("Failed to open cache database at %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	store := &SQLite{db: db, dbPath: dbPath}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryCache).Error("Failed to initialize cache schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Cache("SQLite cache initialized at %s", dbPath)
	return store, nil
}

// initialize creates the database schema.
func (s *SQLite) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS extraction_cache (
		cache_key TEXT NOT NULL,
		schema_hash TEXT NOT NULL,
		extraction_code TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_successful_run DATETIME,
		PRIMARY KEY (cache_key, schema_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_extraction_cache_key ON extraction_cache(cache_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Get(ctx context.Context, key, fingerprint string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT cache_key, schema_hash, extraction_code, created_at, last_successful_run
		FROM extraction_cache WHERE cache_key = ? AND schema_hash = ?`, key, fingerprint)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying cache entry: %w", err)
	}
	return e, nil
}

func (s *SQLite) Put(ctx context.Context, key, fingerprint, snippet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO extraction_cache
		(cache_key, schema_hash, extraction_code, created_at, last_successful_run)
		VALUES (?, ?, ?, ?, NULL)`,
		key, fingerprint, snippet, time.Now().UTC(),
	)
	if err != nil {
		logging.Get(logging.CategoryCache).Error("Failed to store snippet for %s: %v", key, err)
		return fmt.Errorf("storing cache entry: %w", err)
	}

	logging.CacheDebug("Stored snippet: key=%s fingerprint=%.12s size=%d bytes", key, fingerprint, len(snippet))
	return nil
}

func (s *SQLite) Touch(ctx context.Context, key, fingerprint string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE extraction_cache SET last_successful_run = ?
		WHERE cache_key = ? AND schema_hash = ?`, at.UTC(), key, fingerprint)
	if err != nil {
		return fmt.Errorf("touching cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DeleteByKey(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM extraction_cache WHERE cache_key = ?`, key)
	if err != nil {
		return 0, fmt.Errorf("deleting cache key %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	logging.Cache("Cleared %d entries for key %s", n, key)
	return int(n), nil
}

func (s *SQLite) DeleteAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM extraction_cache`)
	if err != nil {
		return 0, fmt.Errorf("clearing cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	logging.Cache("Cleared %d cache entries", n)
	return int(n), nil
}

func (s *SQLite) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT cache_key, schema_hash, extraction_code, created_at, last_successful_run
		FROM extraction_cache ORDER BY cache_key, schema_hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var lastRun sql.NullTime
	if err := row.Scan(&e.Key, &e.Fingerprint, &e.Snippet, &e.CreatedAt, &lastRun); err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		e.LastSuccessfulRun = &t
	}
	return &e, nil
}
