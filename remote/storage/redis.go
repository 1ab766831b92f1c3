package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Hash and order list change together so List, Get and Update always agree.
var (
	insertScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)
	updateScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`)
)

// Redis keeps each collection as a hash of id to JSON plus a list holding
// insertion order.
type Redis struct {
	rc     *redis.Client
	prefix string
}

// NewRedis returns a repository using keys under prefix.
func NewRedis(rc *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "board"
	}
	return &Redis{rc: rc, prefix: prefix}
}

func (r *Redis) itemsKey(userID string, kind domain.Kind) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, userID, kind)
}

func (r *Redis) orderKey(userID string, kind domain.Kind) string {
	return r.itemsKey(userID, kind) + ":order"
}

func (r *Redis) List(ctx context.Context, userID string, kind domain.Kind) ([]Record, error) {
	ids, err := r.rc.LRange(ctx, r.orderKey(userID, kind), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	vals, err := r.rc.HMGet(ctx, r.itemsKey(userID, kind), ids...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, Record{ID: ids[i], Body: []byte(s)})
	}
	return out, nil
}

func (r *Redis) Get(ctx context.Context, userID string, kind domain.Kind, id string) (Record, error) {
	body, err := r.rc.HGet(ctx, r.itemsKey(userID, kind), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Body: body}, nil
}

func (r *Redis) Insert(ctx context.Context, userID string, kind domain.Kind, rec Record) error {
	added, err := insertScript.Run(ctx, r.rc, []string{r.itemsKey(userID, kind), r.orderKey(userID, kind)}, rec.ID, rec.Body).Int()
	if err != nil {
		return err
	}
	if added == 0 {
		return fmt.Errorf("insert %s %s: id already exists", kind, rec.ID)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, userID string, kind domain.Kind, rec Record) error {
	updated, err := updateScript.Run(ctx, r.rc, []string{r.itemsKey(userID, kind)}, rec.ID, rec.Body).Int()
	if err != nil {
		return err
	}
	if updated == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, userID string, kind domain.Kind, id string) (bool, error) {
	var del *redis.IntCmd
	_, err := r.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, r.itemsKey(userID, kind), id)
		p.LRem(ctx, r.orderKey(userID, kind), 0, id)
		return nil
	})
	if err != nil {
		return false, err
	}
	return del.Val() > 0, nil
}
