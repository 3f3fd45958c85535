// Package pgx provides a cache.Cache on PostgreSQL so that workers on
// different machines can share stage results. The tables are created by the
// migrations in internal/migrations.
package pgx

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/tabgraph/pkg/cache"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// Cache implements cache.Cache on the cache_entries and cache_sets tables.
type Cache struct {
	conn   pgxIConn
	prefix string
	close  func()
}

type CacheOption func(*Cache)

// WithCloser registers a function that releases the connection on Close,
// typically the owning pool's Close method.
func WithCloser(fn func()) CacheOption {
	return func(c *Cache) {
		c.close = fn
	}
}

// New wraps an existing connection or pool.
func New(conn pgxIConn, prefix string, opts ...CacheOption) *Cache {
	c := &Cache{conn: conn, prefix: prefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Put(ctx context.Context, key string, value []byte) (string, error) {
	key = cache.ResolveKey(key, value)
	_, err := c.conn.Exec(ctx, `
		INSERT INTO cache_entries (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, created_at = now()
	`, cache.Namespaced(c.prefix, key), value)
	if err != nil {
		return "", fmt.Errorf("failed to put %s: %w", key, err)
	}
	return key, nil
}

func (c *Cache) Get(ctx context.Context, key string, del bool) ([]byte, bool, error) {
	query := `SELECT value FROM cache_entries WHERE key = $1`
	if del {
		query = `DELETE FROM cache_entries WHERE key = $1 RETURNING value`
	}

	var value []byte
	err := c.conn.QueryRow(ctx, query, cache.Namespaced(c.prefix, key)).Scan(&value)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

func (c *Cache) AddToSet(ctx context.Context, key string, members ...string) (string, error) {
	key = cache.ResolveSetKey(key, members)
	if len(members) == 0 {
		return key, nil
	}
	_, err := c.conn.Exec(ctx, `
		INSERT INTO cache_sets (key, member)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (key, member) DO NOTHING
	`, cache.Namespaced(c.prefix, key), members)
	if err != nil {
		return "", fmt.Errorf("failed to add to set %s: %w", key, err)
	}
	return key, nil
}

func (c *Cache) Members(ctx context.Context, key string, del bool) ([]string, bool, error) {
	query := `SELECT member FROM cache_sets WHERE key = $1`
	if del {
		query = `DELETE FROM cache_sets WHERE key = $1 RETURNING member`
	}

	rows, err := c.conn.Query(ctx, query, cache.Namespaced(c.prefix, key))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read set %s: %w", key, err)
	}
	members, err := pgxv5.CollectRows(rows, pgxv5.RowTo[string])
	if err != nil {
		return nil, false, fmt.Errorf("failed to scan set %s: %w", key, err)
	}
	if len(members) == 0 {
		return nil, false, nil
	}
	slices.Sort(members)
	return members, true, nil
}

func (c *Cache) Close() error {
	if c.close != nil {
		c.close()
	}
	return nil
}
