package rotation

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisCache mirrors the rotation cursor into a shared cache after every
// Postgres-authoritative update, so an operator inspecting Redis sees the
// current cursor for each (callerKey, gatewayModel) pair without querying
// Postgres directly. It is optional: when ROTATION_REDIS_URL is unset the
// gateway runs Postgres-only (see Store.NextIndex).
//
// This is a write-through mirror, not a read path: Postgres's row lock is
// what actually serializes concurrent increments across replicas, so every
// call still pays the full transaction regardless of cache state. Get
// exists for inspection and tests; CachedStore.NextIndex never calls it,
// since consulting the cache first (and skipping the transaction on a hit)
// would let two replicas hand out the same index.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisCache parses addr (a redis:// URL) and returns a connected cache.
func NewRedisCache(ctx context.Context, addr string, logger *slog.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisCache{client: client, logger: logger}, nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func cacheKey(callerKey, gatewayModel string) string {
	return "rotation:" + callerKey + ":" + gatewayModel
}

// Get returns the cached last index for a key, and whether it was present.
func (c *RedisCache) Get(ctx context.Context, callerKey, gatewayModel string) (int, bool) {
	val, err := c.client.Get(ctx, cacheKey(callerKey, gatewayModel)).Result()
	if err != nil {
		return 0, false
	}
	idx, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// Set stores the last index for a key with no expiry; the durable row in
// Postgres is the authority on restart/cache-loss.
func (c *RedisCache) Set(ctx context.Context, callerKey, gatewayModel string, idx int) {
	if err := c.client.Set(ctx, cacheKey(callerKey, gatewayModel), idx, 0).Err(); err != nil {
		c.logger.Warn("rotation: redis cache write failed", "error", err)
	}
}

// CachedStore wraps Store with a RedisCache mirror. NextIndex always runs
// the full Postgres transaction — Redis never gates or shortcuts it — and
// then writes the authoritative result to the cache. Correctness never
// depends on Redis being up; a cache write failure is logged and ignored.
type CachedStore struct {
	*Store
	cache *RedisCache
}

// WithRedisCache attaches a RedisCache to an existing Store.
func WithRedisCache(s *Store, cache *RedisCache) *CachedStore {
	return &CachedStore{Store: s, cache: cache}
}

// NextIndex runs the Postgres-authoritative NextIndex and mirrors the
// result into the Redis cache for inspection; it does not consult the
// cache, since a cache-first read would bypass the row lock that
// serializes concurrent increments across replicas.
func (cs *CachedStore) NextIndex(ctx context.Context, callerKey, gatewayModel string, n int) int {
	idx := cs.Store.NextIndex(ctx, callerKey, gatewayModel, n)
	cs.cache.Set(ctx, callerKey, gatewayModel, idx)
	return idx
}
