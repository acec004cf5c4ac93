package rotation

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedisCache starts an in-memory Redis instance and returns a
// RedisCache bound to it, plus a cleanup func.
func newTestRedisCache(t *testing.T) (*RedisCache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := &RedisCache{client: client, logger: slog.Default()}
	return cache, func() {
		client.Close()
		mr.Close()
	}
}

func TestRedisCache_GetMissOnEmptyCache(t *testing.T) {
	cache, cleanup := newTestRedisCache(t)
	defer cleanup()

	if _, ok := cache.Get(context.Background(), "key1", "m3"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestRedisCache_SetThenGetRoundTrips(t *testing.T) {
	cache, cleanup := newTestRedisCache(t)
	defer cleanup()

	ctx := context.Background()
	cache.Set(ctx, "key1", "m3", 2)

	idx, ok := cache.Get(ctx, "key1", "m3")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if idx != 2 {
		t.Errorf("expected 2, got %d", idx)
	}
}

func TestRedisCache_KeysAreIsolatedByCallerAndModel(t *testing.T) {
	cache, cleanup := newTestRedisCache(t)
	defer cleanup()

	ctx := context.Background()
	cache.Set(ctx, "keyA", "m1", 1)
	cache.Set(ctx, "keyA", "m2", 5)
	cache.Set(ctx, "keyB", "m1", 9)

	if idx, _ := cache.Get(ctx, "keyA", "m1"); idx != 1 {
		t.Errorf("keyA/m1: expected 1, got %d", idx)
	}
	if idx, _ := cache.Get(ctx, "keyA", "m2"); idx != 5 {
		t.Errorf("keyA/m2: expected 5, got %d", idx)
	}
	if idx, _ := cache.Get(ctx, "keyB", "m1"); idx != 9 {
		t.Errorf("keyB/m1: expected 9, got %d", idx)
	}
}

func TestCachedStore_NextIndexReconcilesCacheWithStore(t *testing.T) {
	cache, cleanup := newTestRedisCache(t)
	defer cleanup()

	store := newTestStore(newMemRowStore())
	cs := WithRedisCache(store, cache)

	ctx := context.Background()
	want := []int{0, 1, 2, 0}
	for i, w := range want {
		got := cs.NextIndex(ctx, "key1", "m3", 3)
		if got != w {
			t.Errorf("call %d: expected %d, got %d", i, w, got)
		}
		cached, ok := cache.Get(ctx, "key1", "m3")
		if !ok {
			t.Fatalf("call %d: expected cache to be populated", i)
		}
		if cached != w {
			t.Errorf("call %d: expected cache to hold %d, got %d", i, w, cached)
		}
	}
}

func TestCachedStore_NextIndexStillWorksWhenCacheUnreachable(t *testing.T) {
	cache, cleanup := newTestRedisCache(t)
	cleanup() // close miniredis immediately so every cache op fails

	store := newTestStore(newMemRowStore())
	cs := WithRedisCache(store, cache)

	idx := cs.NextIndex(context.Background(), "key1", "m3", 3)
	if idx != 0 {
		t.Errorf("expected Postgres-backed result 0 despite cache outage, got %d", idx)
	}
}
