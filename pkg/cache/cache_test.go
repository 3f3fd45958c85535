package cache_test

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/tabgraph/pkg/cache"
	"github.com/OFFIS-RIT/tabgraph/pkg/cache/bolt"
	"github.com/OFFIS-RIT/tabgraph/pkg/common"
)

func backends(t *testing.T) map[string]cache.Cache {
	t.Helper()
	b, err := bolt.Open(filepath.Join(t.TempDir(), "cache.db"), cache.DefaultPrefix)
	if err != nil {
		t.Fatalf("failed to open bolt cache: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return map[string]cache.Cache{
		"memory": cache.NewMemoryCache(cache.DefaultPrefix),
		"bolt":   b,
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key, err := c.Put(ctx, "", []byte("payload"))
			if err != nil {
				t.Fatalf("put failed: %v", err)
			}
			if key != common.Checksum([]byte("payload")) {
				t.Fatalf("expected checksum key, got %s", key)
			}

			again, _ := c.Put(ctx, "", []byte("payload"))
			if again != key {
				t.Fatalf("expected idempotent key, got %s and %s", key, again)
			}

			v, ok, err := c.Get(ctx, key, false)
			if err != nil || !ok || string(v) != "payload" {
				t.Fatalf("expected payload, got %q ok=%v err=%v", v, ok, err)
			}

			v, ok, _ = c.Get(ctx, key, true)
			if !ok || string(v) != "payload" {
				t.Fatalf("expected payload on delete read, got %q ok=%v", v, ok)
			}
			_, ok, err = c.Get(ctx, key, false)
			if err != nil || ok {
				t.Fatalf("expected entry to be gone, got ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestGetUnknownKey(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			v, ok, err := c.Get(ctx, "nope", true)
			if err != nil || ok || v != nil {
				t.Fatalf("expected absent, got %q ok=%v err=%v", v, ok, err)
			}
			m, ok, err := c.Members(ctx, "nope", false)
			if err != nil || ok || m != nil {
				t.Fatalf("expected absent set, got %v ok=%v err=%v", m, ok, err)
			}
		})
	}
}

func TestGetDeleteAtMostOnce(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key, _ := c.Put(ctx, "batch", []byte("x"))

			var mu sync.Mutex
			hits := 0
			var wg sync.WaitGroup
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, ok, _ := c.Get(ctx, key, true); ok {
						mu.Lock()
						hits++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if hits != 1 {
				t.Fatalf("expected exactly one reader to win, got %d", hits)
			}
		})
	}
}

func TestSets(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := range 10 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := c.AddToSet(ctx, "parts", fmt.Sprintf("part-%d", i%5)); err != nil {
						t.Errorf("add failed: %v", err)
					}
				}()
			}
			wg.Wait()

			members, ok, err := c.Members(ctx, "parts", false)
			if err != nil || !ok {
				t.Fatalf("expected set, got ok=%v err=%v", ok, err)
			}
			want := []string{"part-0", "part-1", "part-2", "part-3", "part-4"}
			if !reflect.DeepEqual(members, want) {
				t.Fatalf("expected %v, got %v", want, members)
			}

			if _, _, err := c.Members(ctx, "parts", true); err != nil {
				t.Fatalf("delete read failed: %v", err)
			}
			if _, ok, _ := c.Members(ctx, "parts", false); ok {
				t.Fatal("expected set to be gone")
			}
		})
	}
}

func TestSetKeyFromMembers(t *testing.T) {
	ctx := context.Background()
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := c.AddToSet(ctx, "", "b", "a")
			b := cache.ResolveSetKey("", []string{"a", "b"})
			if a != b {
				t.Fatalf("expected member-order independent key, got %s and %s", a, b)
			}
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryCache("")
	key, err := cache.PutJSON(ctx, c, "", []string{"a", "b"})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, ok, err := cache.GetJSON[[]string](ctx, c, key, false)
	if err != nil || !ok {
		t.Fatalf("expected value, got ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := bolt.Open(path, "p")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	key, _ := c.Put(ctx, "", []byte("kept"))
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	c, err = bolt.Open(path, "p")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c.Close()
	v, ok, _ := c.Get(ctx, key, false)
	if !ok || string(v) != "kept" {
		t.Fatalf("expected kept, got %q ok=%v", v, ok)
	}

	other, err := bolt.Open(filepath.Join(t.TempDir(), "other.db"), "q")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer other.Close()
	if _, ok, _ := other.Get(ctx, key, false); ok {
		t.Fatal("expected separate file to be empty")
	}
}
