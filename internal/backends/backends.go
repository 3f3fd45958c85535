// Package backends opens cache and fragment store implementations by URI.
package backends

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/OFFIS-RIT/tabgraph/pkg/cache"
	boltcache "github.com/OFFIS-RIT/tabgraph/pkg/cache/bolt"
	pgxcache "github.com/OFFIS-RIT/tabgraph/pkg/cache/pgx"
	"github.com/OFFIS-RIT/tabgraph/pkg/logger"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"
	boltstore "github.com/OFFIS-RIT/tabgraph/pkg/store/bolt"
	pgxstore "github.com/OFFIS-RIT/tabgraph/pkg/store/pgx"

	"github.com/jackc/pgx/v5/pgxpool"
)

func isPostgres(uri string) bool {
	return strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://")
}

func boltPath(uri string) (string, error) {
	p := strings.TrimPrefix(uri, "bolt://")
	if p == "" {
		return "", fmt.Errorf("missing path in %s", uri)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", uri, err)
	}
	return p, nil
}

// OpenCache returns the cache backend uri names: memory:// (or empty),
// bolt://<path> or postgres://<dsn>.
func OpenCache(ctx context.Context, uri, prefix string) (cache.Cache, error) {
	switch {
	case uri == "" || strings.HasPrefix(uri, "memory://"):
		return cache.NewMemoryCache(prefix), nil
	case strings.HasPrefix(uri, "bolt://"):
		p, err := boltPath(uri)
		if err != nil {
			return nil, err
		}
		logger.Debug("[Cache] Opening bolt cache", "path", p)
		return boltcache.Open(p, prefix)
	case isPostgres(uri):
		pool, err := pgxpool.New(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("failed to connect cache database: %w", err)
		}
		logger.Debug("[Cache] Using postgres cache")
		return pgxcache.New(pool, prefix, pgxcache.WithCloser(pool.Close)), nil
	}
	return nil, fmt.Errorf("unsupported cache uri %s", uri)
}

// OpenStore returns the fragment store uri names: bolt://<path> or
// postgres://<dsn>.
func OpenStore(ctx context.Context, uri string) (store.FragmentStore, error) {
	switch {
	case strings.HasPrefix(uri, "bolt://"):
		p, err := boltPath(uri)
		if err != nil {
			return nil, err
		}
		logger.Debug("[Store] Opening bolt store", "path", p)
		return boltstore.Open(p)
	case isPostgres(uri):
		pool, err := pgxpool.New(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("failed to connect store database: %w", err)
		}
		logger.Debug("[Store] Using postgres store")
		return pgxstore.NewFragmentDBStorageWithConnection(pool, pgxstore.WithCloser(pool.Close)), nil
	}
	return nil, fmt.Errorf("unsupported store uri %s", uri)
}
