package platform

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStorage persists items as plain string values in Redis
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage creates a Redis-backed storage with a key prefix
func NewRedisStorage(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: prefix,
	}
}

// GetItem retrieves a stored value
func (s *RedisStorage) GetItem(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return value, err
}

// SetItem stores a value under a key
func (s *RedisStorage) SetItem(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

// RemoveItem deletes a key; deleting a missing key is not an error
func (s *RedisStorage) RemoveItem(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
