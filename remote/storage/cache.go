package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a Repository with a redis read-through cache of List results.
// Writes evict the affected collection.
type Cache struct {
	base  Repository
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper around base.
func NewCache(base Repository, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base repository is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) List(ctx context.Context, userID string, kind domain.Kind) ([]Record, error) {
	if recs, ok := c.load(ctx, userID, kind); ok {
		return recs, nil
	}
	recs, err := c.base.List(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	c.store(ctx, userID, kind, recs)
	return recs, nil
}

func (c *Cache) Get(ctx context.Context, userID string, kind domain.Kind, id string) (Record, error) {
	return c.base.Get(ctx, userID, kind, id)
}

func (c *Cache) Insert(ctx context.Context, userID string, kind domain.Kind, rec Record) error {
	if err := c.base.Insert(ctx, userID, kind, rec); err != nil {
		return err
	}
	c.evict(ctx, userID, kind)
	return nil
}

func (c *Cache) Update(ctx context.Context, userID string, kind domain.Kind, rec Record) error {
	if err := c.base.Update(ctx, userID, kind, rec); err != nil {
		return err
	}
	c.evict(ctx, userID, kind)
	return nil
}

func (c *Cache) Delete(ctx context.Context, userID string, kind domain.Kind, id string) (bool, error) {
	removed, err := c.base.Delete(ctx, userID, kind, id)
	if err != nil {
		return false, err
	}
	if removed {
		c.evict(ctx, userID, kind)
	}
	return removed, nil
}

func (c *Cache) load(ctx context.Context, userID string, kind domain.Kind) ([]Record, bool) {
	if c.redis == nil {
		return nil, false
	}
	key := cacheKey(userID, kind)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// Fall back to the repository on redis errors.
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var recs []Record
	if err := sonic.ConfigStd.Unmarshal(data, &recs); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return recs, true
}

func (c *Cache) store(ctx context.Context, userID string, kind domain.Kind, recs []Record) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.ConfigStd.Marshal(recs)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, cacheKey(userID, kind), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, userID string, kind domain.Kind) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, cacheKey(userID, kind)).Err()
}

func cacheKey(userID string, kind domain.Kind) string {
	return "cache:" + string(kind) + ":" + userID
}
