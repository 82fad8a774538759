package redisdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func TestDedupStore_MarkSeen(t *testing.T) {
	fr := &fakeRedis{keys: map[string]time.Duration{}}
	s := &DedupStore{rdb: fr, ttl: time.Hour}

	first, err := s.MarkSeen(context.Background(), "n-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.MarkSeen(context.Background(), "n-1")
	require.NoError(t, err)
	assert.False(t, again)

	assert.Equal(t, time.Hour, fr.keys[dedupPrefix+"n-1"])
}

func TestDedupStore_Error(t *testing.T) {
	s := &DedupStore{rdb: &fakeRedis{err: errors.New("connection refused")}, ttl: time.Hour}
	_, err := s.MarkSeen(context.Background(), "n-1")
	assert.Error(t, err)
}
