package cache

import (
	"context"
	"slices"
	"sync"
)

// MemoryCache keeps everything in process memory. It is the default for
// single-process runs and tests.
type MemoryCache struct {
	prefix string

	mu     sync.RWMutex
	values map[string][]byte
	sets   map[string]map[string]struct{}
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(prefix string) *MemoryCache {
	return &MemoryCache{
		prefix: prefix,
		values: make(map[string][]byte),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (c *MemoryCache) Put(ctx context.Context, key string, value []byte) (string, error) {
	key = ResolveKey(key, value)
	c.mu.Lock()
	c.values[Namespaced(c.prefix, key)] = slices.Clone(value)
	c.mu.Unlock()
	return key, nil
}

func (c *MemoryCache) Get(ctx context.Context, key string, del bool) ([]byte, bool, error) {
	k := Namespaced(c.prefix, key)
	if !del {
		c.mu.RLock()
		v, ok := c.values[k]
		c.mu.RUnlock()
		return slices.Clone(v), ok, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[k]
	if ok {
		delete(c.values, k)
	}
	return v, ok, nil
}

func (c *MemoryCache) AddToSet(ctx context.Context, key string, members ...string) (string, error) {
	key = ResolveSetKey(key, members)
	k := Namespaced(c.prefix, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[k]
	if !ok {
		set = make(map[string]struct{}, len(members))
		c.sets[k] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return key, nil
}

func (c *MemoryCache) Members(ctx context.Context, key string, del bool) ([]string, bool, error) {
	k := Namespaced(c.prefix, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[k]
	if !ok {
		return nil, false, nil
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	slices.Sort(out)
	if del {
		delete(c.sets, k)
	}
	return out, true, nil
}

func (c *MemoryCache) Close() error {
	return nil
}
