package redis

import (
	"context"
	"time"
)

// CachePrefix is the reserved namespace for application cache entries.
const CachePrefix = "cache:"

// Cache is the Redis-backed dtx.KeyValueCache. It serves the host application;
// the transaction pipeline never consults it.
type Cache struct {
	redis kvClient
}

func NewCache() *Cache {
	return &Cache{redis: newClient()}
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.redis.SetStruct(ctx, CachePrefix+key, value, ttl)
}

func (c *Cache) Get(ctx context.Context, key string, target any) (bool, error) {
	return c.redis.GetStruct(ctx, CachePrefix+key, target)
}

func (c *Cache) Delete(ctx context.Context, keys []string) (bool, error) {
	prefixed := make([]string, len(keys))
	for i := range keys {
		prefixed[i] = CachePrefix + keys[i]
	}
	return c.redis.Delete(ctx, prefixed)
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx)
}
