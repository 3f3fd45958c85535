// Package bolt provides a cache.Cache backed by a single bbolt file. It lets
// a sequence of CLI runs on one machine share memoized stage results without
// a database server.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/OFFIS-RIT/tabgraph/pkg/cache"

	bbolt "go.etcd.io/bbolt"
)

var (
	valuesBucket = []byte("values")
	setsBucket   = []byte("sets")
)

// Cache stores values in one bucket and each set as a nested bucket whose
// keys are the members.
type Cache struct {
	db     *bbolt.DB
	prefix string
}

// Open opens or creates the cache file at path.
func Open(path, prefix string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file %q: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(valuesBucket); err != nil {
			return fmt.Errorf("failed to create values bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(setsBucket); err != nil {
			return fmt.Errorf("failed to create sets bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db, prefix: prefix}, nil
}

func (c *Cache) key(key string) []byte {
	return []byte(cache.Namespaced(c.prefix, key))
}

func (c *Cache) Put(ctx context.Context, key string, value []byte) (string, error) {
	key = cache.ResolveKey(key, value)
	err := c.db.Batch(func(tx *bbolt.Tx) error {
		return tx.Bucket(valuesBucket).Put(c.key(key), value)
	})
	if err != nil {
		return "", fmt.Errorf("failed to put %s: %w", key, err)
	}
	return key, nil
}

func (c *Cache) Get(ctx context.Context, key string, del bool) ([]byte, bool, error) {
	var out []byte
	var found bool
	read := func(tx *bbolt.Tx) error {
		b := tx.Bucket(valuesBucket)
		v := b.Get(c.key(key))
		if v == nil {
			return nil
		}
		found = true
		out = bytes.Clone(v)
		if del {
			return b.Delete(c.key(key))
		}
		return nil
	}

	var err error
	if del {
		err = c.db.Update(read)
	} else {
		err = c.db.View(read)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return out, found, nil
}

func (c *Cache) AddToSet(ctx context.Context, key string, members ...string) (string, error) {
	key = cache.ResolveSetKey(key, members)
	err := c.db.Batch(func(tx *bbolt.Tx) error {
		set, err := tx.Bucket(setsBucket).CreateBucketIfNotExists(c.key(key))
		if err != nil {
			return err
		}
		for _, m := range members {
			if err := set.Put([]byte(m), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to add to set %s: %w", key, err)
	}
	return key, nil
}

func (c *Cache) Members(ctx context.Context, key string, del bool) ([]string, bool, error) {
	var out []string
	var found bool
	read := func(tx *bbolt.Tx) error {
		sets := tx.Bucket(setsBucket)
		set := sets.Bucket(c.key(key))
		if set == nil {
			return nil
		}
		found = true
		err := set.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
		if err != nil {
			return err
		}
		if del {
			return sets.DeleteBucket(c.key(key))
		}
		return nil
	}

	var err error
	if del {
		err = c.db.Update(read)
	} else {
		err = c.db.View(read)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read set %s: %w", key, err)
	}
	slices.Sort(out)
	return out, found, nil
}

// Close syncs and closes the underlying file.
func (c *Cache) Close() error {
	if err := c.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync cache: %w", err)
	}
	return c.db.Close()
}
