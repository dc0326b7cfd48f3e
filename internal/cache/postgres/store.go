// Package postgres provides a Postgres-backed cache store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nyimbi/fetchkit/internal/cache"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for cache rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store keeps cache entries in a Postgres table.
type Store struct {
	pool  querier
	table string
}

// NewStore connects a pool using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("cache.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "fetch_cache"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, table: table}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool querier, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "fetch_cache"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// EnsureSchema creates the cache table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	payload BYTEA NOT NULL,
	hash TEXT NOT NULL,
	size BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	ttl_seconds BIGINT NOT NULL,
	access_count BIGINT NOT NULL,
	last_access TIMESTAMPTZ NOT NULL,
	compressed BOOLEAN NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create cache table: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	query := fmt.Sprintf(`
SELECT payload, hash, size, created_at, ttl_seconds, access_count, last_access, compressed
FROM %s WHERE key = $1`, s.table)

	var (
		entry      = cache.Entry{Key: key}
		ttlSeconds int64
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&entry.Payload,
		&entry.Hash,
		&entry.Size,
		&entry.CreatedAt,
		&ttlSeconds,
		&entry.AccessCount,
		&entry.LastAccess,
		&entry.Compressed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.Entry{}, cache.ErrNotFound
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("select cache entry: %w", err)
	}
	entry.TTL = time.Duration(ttlSeconds) * time.Second
	return entry, nil
}

func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	key, payload, hash, size, created_at, ttl_seconds, access_count, last_access, compressed
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) ON CONFLICT (key) DO UPDATE SET
	payload = EXCLUDED.payload,
	hash = EXCLUDED.hash,
	size = EXCLUDED.size,
	created_at = EXCLUDED.created_at,
	ttl_seconds = EXCLUDED.ttl_seconds,
	access_count = EXCLUDED.access_count,
	last_access = EXCLUDED.last_access,
	compressed = EXCLUDED.compressed`, s.table)

	args := []any{
		entry.Key,
		entry.Payload,
		entry.Hash,
		entry.Size,
		entry.CreatedAt,
		int64(entry.TTL / time.Second),
		entry.AccessCount,
		entry.LastAccess,
		entry.Compressed,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, key string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET access_count = access_count + 1, last_access = $2 WHERE key = $1`, s.table)

	tag, err := s.pool.Exec(ctx, query, key, at)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return cache.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]cache.Meta, error) {
	query := fmt.Sprintf(`SELECT key, size, last_access FROM %s`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var metas []cache.Meta
	for rows.Next() {
		var meta cache.Meta
		if err := rows.Scan(&meta.Key, &meta.Size, &meta.LastAccess); err != nil {
			return nil, fmt.Errorf("scan cache meta: %w", err)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	return metas, nil
}

func (s *Store) Clear(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("clear cache table: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
