package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	dedupeKeyPrefix      = "idem"
)

// RedisDeduper stores seen idempotency keys in Redis so every instance
// rejects the same retried request.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(ownerID, key string) string {
	return fmt.Sprintf("%s:%s:%s", ownerID, dedupeKeyPrefix, key)
}

// Add records the key if it does not already exist. It returns true when the
// key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, ownerID, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(ownerID, key), 1, r.ttl).Result()
}

// Remove forgets a key so the request may be retried.
func (r *RedisDeduper) Remove(ctx context.Context, ownerID, key string) error {
	return r.client.Del(ctx, r.key(ownerID, key)).Err()
}

// once runs intent unless the request carries an idempotency key that was
// already seen. A failed intent forgets its key. When the deduper itself
// fails the intent still runs.
func (s *Server) once(ctx context.Context, ownerID, key string, intent func() error) (duplicate bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" || s.deduper == nil {
		return false, intent()
	}

	added, err := s.deduper.Add(ctx, ownerID, key)
	if err != nil {
		s.logger.WithError(err).WithField("owner", ownerID).Warn("idempotency check failed")
		return false, intent()
	}
	if !added {
		return true, nil
	}
	if err := intent(); err != nil {
		if rerr := s.deduper.Remove(context.WithoutCancel(ctx), ownerID, key); rerr != nil {
			s.logger.WithError(rerr).WithField("owner", ownerID).Warn("failed to forget idempotency key")
		}
		return false, err
	}
	return false, nil
}
