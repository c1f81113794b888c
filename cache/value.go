package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/nuabase/castgate/usage"
)

// ValueLookup is the outcome of ValueCache.Get.
type ValueLookup struct {
	Hit   bool
	Value any
	Usage usage.Usage
}

// ValueCache is the cache slot of one cast/value request.
type ValueCache struct {
	store      Store
	ttl        time.Duration
	contextKey string
	key        string
}

// NewValueCache derives the context key from kc and the cache key from the
// input data.
func NewValueCache(store Store, kc KeyContext, data any, ttl time.Duration) (*ValueCache, error) {
	ck, err := kc.Hash()
	if err != nil {
		return nil, err
	}
	key, err := ValueKey(data, ck)
	if err != nil {
		return nil, err
	}
	return &ValueCache{store: store, ttl: ttl, contextKey: ck, key: key}, nil
}

func (c *ValueCache) ContextKey() string { return c.contextKey }

func (c *ValueCache) Key() string { return c.key }

// Get reads the slot. With invalidate set it misses without touching the
// store. A stored value that cannot be decoded is returned as an error.
func (c *ValueCache) Get(ctx context.Context, invalidate bool) (ValueLookup, error) {
	if invalidate {
		return ValueLookup{}, nil
	}
	raw, ok, err := c.store.Get(ctx, c.key)
	if err != nil {
		return ValueLookup{}, fmt.Errorf("value cache get: %w", err)
	}
	if !ok || raw == "" {
		return ValueLookup{}, nil
	}
	entry, err := DecodeEntry(raw)
	if err != nil {
		return ValueLookup{}, fmt.Errorf("value cache get %s: %w", c.key, err)
	}
	return ValueLookup{Hit: true, Value: entry.Result, Usage: entry.Usage}, nil
}

// Set writes value with the usage it cost to produce.
func (c *ValueCache) Set(ctx context.Context, value any, u usage.Usage) error {
	raw, err := EncodeEntry(value, u)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, c.key, raw, c.ttl); err != nil {
		return fmt.Errorf("value cache set: %w", err)
	}
	return nil
}
