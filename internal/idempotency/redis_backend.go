package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend adapts a *redis.Client to Backend, the shape the teacher's
// own RedisStore exposes to its idempotency store: a plain SET with TTL and
// a GET, both namespaced so duplicate reqIds never collide with unrelated
// keys sharing the same Redis instance.
type redisBackend struct {
	client *redis.Client
}

// NewRedisBackend wires client as the durable Backend for Store.
func NewRedisBackend(client *redis.Client) Backend {
	return &redisBackend{client: client}
}

func (b *redisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, redisKey(key), value, ttl).Err()
}

func (b *redisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := b.client.Get(ctx, redisKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func redisKey(reqID string) string {
	return "idempotency:" + reqID
}
