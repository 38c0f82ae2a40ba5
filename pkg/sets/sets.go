// Package sets provides a persistent membership set of opaque string
// tokens, the basis for every "seen before" check in the pipeline.
package sets

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisSet wraps one Redis set under a stable logical name.
type RedisSet struct {
	rdb     *redis.Client
	setName string
}

func NewRedisSet(rdb *redis.Client, setName string) *RedisSet {
	return &RedisSet{rdb: rdb, setName: setName}
}

// Add inserts value if absent. Returns true if the value was newly
// inserted, false if it was already present. Per-token atomicity comes
// from SADD itself; no client-side locking.
func (s *RedisSet) Add(ctx context.Context, value string) (bool, error) {
	added, err := s.rdb.SAdd(ctx, s.setName, value).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

// Remove deletes value. Returns true if the value was present.
func (s *RedisSet) Remove(ctx context.Context, value string) (bool, error) {
	removed, err := s.rdb.SRem(ctx, s.setName, value).Result()
	if err != nil {
		return false, err
	}
	return removed == 1, nil
}

func (s *RedisSet) Contains(ctx context.Context, value string) (bool, error) {
	return s.rdb.SIsMember(ctx, s.setName, value).Result()
}

func (s *RedisSet) Members(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.setName).Result()
}

func (s *RedisSet) Len(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, s.setName).Result()
}
