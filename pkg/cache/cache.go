package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/tabgraph/pkg/common"
)

// Version is part of the default key prefix. Bump it when the encoding of
// cached payloads changes so old entries are never misread.
const Version = "1"

// DefaultPrefix namespaces every key written by this module.
const DefaultPrefix = "tabgraph:" + Version

// Cache is a content-addressed key/value store shared by pipeline stages.
//
// Put with an empty key stores the value under its checksum. Get with del
// set removes the entry in the same operation, so a payload is handed out at
// most once. Unknown keys are reported with ok=false and a nil error.
// Implementations must be safe for concurrent use.
type Cache interface {
	Put(ctx context.Context, key string, value []byte) (string, error)
	Get(ctx context.Context, key string, del bool) ([]byte, bool, error)
	AddToSet(ctx context.Context, key string, members ...string) (string, error)
	Members(ctx context.Context, key string, del bool) ([]string, bool, error)
	Close() error
}

// ResolveKey returns key, or the checksum of value when key is empty.
func ResolveKey(key string, value []byte) string {
	if key != "" {
		return key
	}
	return common.Checksum(value)
}

// ResolveSetKey returns key, or the checksum of the sorted members when key
// is empty.
func ResolveSetKey(key string, members []string) string {
	if key != "" {
		return key
	}
	sorted := slices.Clone(members)
	slices.Sort(sorted)
	return common.Checksum([]byte(strings.Join(sorted, "\n")))
}

// Namespaced joins prefix and key the way every backend stores them.
func Namespaced(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

// PutJSON encodes v as JSON and stores it.
func PutJSON[T any](ctx context.Context, c Cache, key string, v T) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache value: %w", err)
	}
	return c.Put(ctx, key, data)
}

// GetJSON fetches and decodes a value stored with PutJSON.
func GetJSON[T any](ctx context.Context, c Cache, key string, del bool) (T, bool, error) {
	var v T
	data, ok, err := c.Get(ctx, key, del)
	if err != nil || !ok {
		return v, ok, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("failed to decode cache value %s: %w", key, err)
	}
	return v, true, nil
}
