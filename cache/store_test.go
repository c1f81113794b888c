package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestStores(t *testing.T) {
	redisStore, _ := newRedisStore(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := store.Get(ctx, "absent")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Set(ctx, "k1", "v1", 0))
			v, ok, err := store.Get(ctx, "k1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v1", v)

			require.NoError(t, store.MSet(ctx, map[string]string{"k2": "v2", "k3": "v3"}, 0))
			vals, err := store.MGet(ctx, []string{"k3", "missing", "k1", "k2"})
			require.NoError(t, err)
			require.Len(t, vals, 4)
			assert.Equal(t, "v3", *vals[0])
			assert.Nil(t, vals[1])
			assert.Equal(t, "v1", *vals[2])
			assert.Equal(t, "v2", *vals[3])

			empty, err := store.MGet(ctx, nil)
			require.NoError(t, err)
			assert.Empty(t, empty)
			require.NoError(t, store.MSet(ctx, nil, 0))
		})
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "short", "a", time.Minute))
	require.NoError(t, store.MSet(ctx, map[string]string{"batch": "b"}, time.Minute))
	require.NoError(t, store.Set(ctx, "forever", "c", 0))

	now = now.Add(59 * time.Second)
	_, ok, _ := store.Get(ctx, "short")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = store.Get(ctx, "short")
	assert.False(t, ok)
	vals, err := store.MGet(ctx, []string{"batch", "forever"})
	require.NoError(t, err)
	assert.Nil(t, vals[0])
	assert.Equal(t, "c", *vals[1])
	assert.Equal(t, 1, store.Len())
}

func TestRedisStore_MSetHonorsTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	require.NoError(t, store.MSet(ctx, map[string]string{"a": "1", "b": "2"}, 30*time.Second))
	assert.Equal(t, 30*time.Second, mr.TTL("a"))
	assert.Equal(t, 30*time.Second, mr.TTL("b"))

	mr.FastForward(31 * time.Second)
	vals, err := store.MGet(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Nil(t, vals[0])
	assert.Nil(t, vals[1])
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, _, err := store.Get(context.Background(), "k")
	assert.Error(t, err)
	_, err = store.MGet(context.Background(), []string{"k"})
	assert.Error(t, err)
}
