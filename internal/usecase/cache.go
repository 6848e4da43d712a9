package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache stores serialized prediction results by key. Get reports a miss as
// redis.Nil.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a Cache backed by go-redis. Every key is stored under the
// configured namespace so several deployments can share one Redis.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

// NewRedisCache wraps client; namespace may be empty.
func NewRedisCache(client *redis.Client, namespace string) *RedisCache {
	return &RedisCache{client: client, namespace: namespace}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, c.key(key)).Result()
}

func (c *RedisCache) key(key string) string {
	if c.namespace == "" {
		return key
	}
	return c.namespace + ":" + key
}

func predictionCacheKey(requestID string) string {
	return "prediction:" + requestID
}
