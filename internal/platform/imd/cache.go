package imd

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deciles only move when the national index is re-published, so cached
// entries can live for a long time.
const cacheTTL = 24 * time.Hour

// Cache stores resolved deciles keyed by normalized postcode. A miss is
// reported as ok=false; cache failures are swallowed by the caller since the
// cache is purely an optimization.
type Cache interface {
	Get(ctx context.Context, postcode string) (int, bool)
	Set(ctx context.Context, postcode string, decile int)
}

// CachedResolver consults the cache before delegating to the underlying
// resolver. Only successful lookups are cached; failures stay uncached so a
// transient outage does not pin a postcode as unresolvable.
type CachedResolver struct {
	inner Resolver
	cache Cache
}

func NewCachedResolver(inner Resolver, cache Cache) *CachedResolver {
	return &CachedResolver{inner: inner, cache: cache}
}

func (r *CachedResolver) Decile(ctx context.Context, postcode string) (int, error) {
	key := normalize(postcode)
	if decile, ok := r.cache.Get(ctx, key); ok {
		return decile, nil
	}

	decile, err := r.inner.Decile(ctx, postcode)
	if err != nil {
		return 0, err
	}

	r.cache.Set(ctx, key, decile)
	return decile, nil
}

// RedisCache backs the decile cache with Redis, for deployments where
// several instances share lookups.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Get(ctx context.Context, postcode string) (int, bool) {
	val, err := c.client.Get(ctx, "imd:"+postcode).Result()
	if err != nil {
		return 0, false
	}
	decile, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return decile, true
}

func (c *RedisCache) Set(ctx context.Context, postcode string, decile int) {
	c.client.Set(ctx, "imd:"+postcode, strconv.Itoa(decile), cacheTTL)
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// MemoryCache is the single-process fallback used when REDIS_URL is unset.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	decile    int
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, postcode string) (int, bool) {
	c.mu.RLock()
	entry, ok := c.entries[postcode]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.decile, true
}

func (c *MemoryCache) Set(_ context.Context, postcode string, decile int) {
	c.mu.Lock()
	c.entries[postcode] = memoryEntry{decile: decile, expiresAt: time.Now().Add(cacheTTL)}
	c.mu.Unlock()
}
