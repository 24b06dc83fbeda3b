package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reelrelay/engine/pkg/common/logger"
)

// RedisStatusCache caches rendered status reports in Redis with a short TTL.
// Cache misses and Redis errors both fall through to a fresh build.
type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStatusCache(client *redis.Client, ttl time.Duration) *RedisStatusCache {
	return &RedisStatusCache{client: client, ttl: ttl}
}

func (c *RedisStatusCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Log.WithError(err).Warn("status cache read failed")
		}
		return "", false
	}
	return val, true
}

func (c *RedisStatusCache) Set(ctx context.Context, key, value string) {
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		logger.Log.WithError(err).Warn("status cache write failed")
	}
}
