// Package bolt implements store.FragmentStore on an embedded bbolt file.
// Each dataset is a nested bucket; keys are "<id>\x00<checksum>" so a cursor
// walks all fragments of one entity consecutively.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
	"github.com/OFFIS-RIT/tabgraph/pkg/store"

	bbolt "go.etcd.io/bbolt"
)

const pageSize = 1000

var fragmentsBucket = []byte("fragments")

type Store struct {
	db *bbolt.DB
}

var _ store.FragmentStore = (*Store)(nil)

// Open opens or creates the store file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store file %q: %w", path, err)
	}
	db.MaxBatchDelay = 2 * time.Millisecond
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(fragmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fragments bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func fragmentKey(f common.Entity) []byte {
	return []byte(f.ID + "\x00" + f.Checksum())
}

func (s *Store) PutFragments(ctx context.Context, dataset string, fragments []common.Entity) error {
	if len(fragments) == 0 {
		return nil
	}
	type row struct {
		key, value []byte
	}
	rows := make([]row, 0, len(fragments))
	for _, f := range fragments {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to encode fragment %s: %w", f.ID, err)
		}
		rows = append(rows, row{key: fragmentKey(f), value: data})
	}

	return store.ChunkRange(len(rows), pageSize, func(start, end int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.db.Batch(func(tx *bbolt.Tx) error {
			ds, err := tx.Bucket(fragmentsBucket).CreateBucketIfNotExists([]byte(dataset))
			if err != nil {
				return fmt.Errorf("failed to create dataset bucket %s: %w", dataset, err)
			}
			for _, r := range rows[start:end] {
				if err := ds.Put(r.key, r.value); err != nil {
					return fmt.Errorf("failed to put fragment: %w", err)
				}
			}
			return nil
		})
	})
}

type kv struct {
	key, value []byte
}

func (s *Store) page(dataset string, after []byte) ([]kv, error) {
	var out []kv
	err := s.db.View(func(tx *bbolt.Tx) error {
		ds := tx.Bucket(fragmentsBucket).Bucket([]byte(dataset))
		if ds == nil {
			return nil
		}
		c := ds.Cursor()
		var k, v []byte
		if after == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(after)
			if k != nil && bytes.Equal(k, after) {
				k, v = c.Next()
			}
		}
		for ; k != nil && len(out) < pageSize; k, v = c.Next() {
			out = append(out, kv{key: bytes.Clone(k), value: bytes.Clone(v)})
		}
		return nil
	})
	return out, err
}

// IterateFragments reads the dataset in pages, each in its own read
// transaction, so a slow consumer never pins the file.
func (s *Store) IterateFragments(ctx context.Context, dataset string) iter.Seq2[common.Entity, error] {
	return func(yield func(common.Entity, error) bool) {
		var after []byte
		for {
			if err := ctx.Err(); err != nil {
				yield(common.Entity{}, err)
				return
			}
			page, err := s.page(dataset, after)
			if err != nil {
				yield(common.Entity{}, fmt.Errorf("failed to read fragments: %w", err))
				return
			}
			for _, row := range page {
				var f common.Entity
				if err := json.Unmarshal(row.value, &f); err != nil {
					yield(common.Entity{}, fmt.Errorf("failed to decode fragment: %w", err))
					return
				}
				if !yield(f, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].key
		}
	}
}

func (s *Store) ClearDataset(ctx context.Context, dataset string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(fragmentsBucket)
		if root.Bucket([]byte(dataset)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(dataset))
	})
}

func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync store: %w", err)
	}
	return s.db.Close()
}
