package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the Redis key used when none is configured.
const DefaultRedisKey = "wpmigrate:checkpoint"

// redisClient is the part of redis.Cmdable the store uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore keeps the checkpoint in a Redis string without expiry.
type RedisStore struct {
	client redisClient
	key    string
	retry  retry.Config
}

// NewRedisStore creates a store that keeps the checkpoint under key.
func NewRedisStore(client redisClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, retry: retry.DefaultConfig()}
}

// Load reads the checkpoint.
func (s *RedisStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, s.retry, func() error {
		b, err := s.client.Get(ctx, s.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return retry.NonRetryable(ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", s.key, err)
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save replaces the checkpoint.
func (s *RedisStore) Save(ctx context.Context, data []byte) error {
	return retry.Do(ctx, s.retry, func() error {
		if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
			return fmt.Errorf("set %s: %w", s.key, err)
		}
		return nil
	})
}

// Delete removes the checkpoint.
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", s.key, err)
	}
	return nil
}
