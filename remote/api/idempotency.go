package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers idempotency keys of accepted creates.
type Deduper interface {
	// Add records key and reports whether it was new.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove forgets key so a failed create can be retried.
	Remove(ctx context.Context, userID, key string) error
}

// RedisDeduper keeps idempotency keys in redis so every instance sees them.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper returns a deduper whose keys expire after ttl.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return "idem:" + userID + ":" + key
}

func (r *RedisDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(userID, key), 1, r.ttl).Result()
}

func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
