package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultReplayKeyPrefix = "a2a:nonce:"

// RedisReplayStore shares the replay window between router instances.
type RedisReplayStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisReplayStore(client redis.UniversalClient, prefix string) *RedisReplayStore {
	if prefix == "" {
		prefix = defaultReplayKeyPrefix
	}
	return &RedisReplayStore{client: client, prefix: prefix}
}

// NewRedisReplayStoreFromURL parses a redis:// URL and connects lazily.
func NewRedisReplayStoreFromURL(rawURL string) (*RedisReplayStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisReplayStore(redis.NewClient(opts), ""), nil
}

func (s *RedisReplayStore) Seen(ctx context.Context, nonce string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+nonce).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisReplayStore) Remember(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisReplayStore) Close() error {
	return s.client.Close()
}
