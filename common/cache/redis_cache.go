package cache

import (
	"context"
	"time"

	redisclient "github.com/lyzr/chatflow/common/redis"
)

// RedisCache is a Redis-backed Cache implementation
type RedisCache struct {
	client *redisclient.Client
}

// NewRedisCache creates a Redis-backed cache
func NewRedisCache(client *redisclient.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get retrieves a value from Redis
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.client.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	return []byte(val), true, nil
}

// Set stores a value in Redis with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, string(value), ttl)
}

// Delete removes a value from Redis
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Delete(ctx, key)
}

// Close is a no-op; the underlying Redis client is shared
func (c *RedisCache) Close() error {
	return nil
}
