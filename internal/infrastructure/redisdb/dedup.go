package redisdb

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const dedupPrefix = "majisafe:payment:seen:"

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// DedupStore remembers delivered payment notifications in Redis so
// restarts and replicas share the same view. Implements payment.DedupStore.
type DedupStore struct {
	rdb setNXer
	ttl time.Duration
}

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection error: %w", err)
	}
	return rdb, nil
}

func NewDedupStore(rdb *redis.Client, ttl time.Duration) *DedupStore {
	return &DedupStore{rdb: rdb, ttl: ttl}
}

func (s *DedupStore) MarkSeen(ctx context.Context, id string) (bool, error) {
	return s.rdb.SetNX(ctx, dedupPrefix+id, time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
}
