package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Cache wraps a Table with a Redis copy of each owner's entity list. Every
// write evicts the owner's entry and bumps a generation counter; a list read
// only populates the cache when no write finished while it was reading.
type Cache struct {
	base  Table
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Table using the provided Redis client and TTL.
// A zero TTL disables population but still evicts.
func NewCache(base Table, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base table is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Insert(ctx context.Context, ent TaskEntity) error {
	if err := c.base.Insert(ctx, ent); err != nil {
		return err
	}
	c.evict(ctx, ent.PartitionKey)
	return nil
}

func (c *Cache) Merge(ctx context.Context, ownerID string, ents []TaskEntity, mode MergeMode) error {
	err := c.base.Merge(ctx, ownerID, ents, mode)
	// A failed batch may still have reached the backend before the error
	// surfaced, so evict either way.
	c.evict(ctx, ownerID)
	return err
}

func (c *Cache) Delete(ctx context.Context, ownerID, id string) error {
	if err := c.base.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	c.evict(ctx, ownerID)
	return nil
}

func (c *Cache) List(ctx context.Context, ownerID string) ([]TaskEntity, error) {
	if ents, ok := c.load(ctx, ownerID); ok {
		return ents, nil
	}
	gen := c.generation(ctx, ownerID)
	ents, err := c.base.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, ownerID, gen, ents)
	return ents, nil
}

func (c *Cache) load(ctx context.Context, ownerID string) ([]TaskEntity, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(ownerID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing table without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
		}
		return nil, false
	}
	var ents []TaskEntity
	if err := sonic.Unmarshal(data, &ents); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(ownerID)).Err()
		return nil, false
	}
	return ents, true
}

func (c *Cache) generation(ctx context.Context, ownerID string) int64 {
	if c.redis == nil {
		return 0
	}
	gen, err := c.redis.Get(ctx, genCacheKey(ownerID)).Int64()
	if err != nil {
		return 0
	}
	return gen
}

func (c *Cache) store(ctx context.Context, ownerID string, gen int64, ents []TaskEntity) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(ents)
	if err != nil {
		return
	}
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genCacheKey(ownerID)).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, tasksCacheKey(ownerID), data, c.ttl)
			return nil
		})
		return err
	}, genCacheKey(ownerID))
}

func (c *Cache) evict(ctx context.Context, ownerID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, tasksCacheKey(ownerID))
		pipe.Incr(ctx, genCacheKey(ownerID))
		return nil
	})
}

func tasksCacheKey(ownerID string) string {
	return "tasks:" + ownerID
}

func genCacheKey(ownerID string) string {
	return "tasks-gen:" + ownerID
}
