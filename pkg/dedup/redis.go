package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// setNXer is the slice of the redis client the set needs.
type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisSet is a shared duplicate set for deployments running more than
// one gateway instance, where a per-process cache would let a replay
// land on a different instance unnoticed. Keys expire after ttl.
type RedisSet struct {
	client setNXer
	prefix string
	ttl    time.Duration
}

// NewRedisSet creates a Redis-backed duplicate set.
func NewRedisSet(client *redis.Client, prefix string, ttl time.Duration) *RedisSet {
	if prefix == "" {
		prefix = "visitsync:idem:"
	}
	return &RedisSet{client: client, prefix: prefix, ttl: ttl}
}

// CheckAndRecord records key atomically with SET NX and reports whether
// it already existed.
func (s *RedisSet) CheckAndRecord(ctx context.Context, key string) (bool, error) {
	created, err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !created, nil
}
