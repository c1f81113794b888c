// Package cache implements the content-addressed result cache used by the
// execution engine: the key-value store abstraction, the entry codec, and
// the value and array caches built on top of them.
package cache

import (
	"context"
	"time"
)

// Store is the key-value backend the caches read and write. Values are
// opaque strings. A ttl of zero means the entry does not expire.
type Store interface {
	// Get returns the value under key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// MGet returns one slot per key, in key order. Missing keys are nil.
	MGet(ctx context.Context, keys []string) ([]*string, error)

	// MSet writes every entry with the same ttl.
	MSet(ctx context.Context, entries map[string]string, ttl time.Duration) error
}
