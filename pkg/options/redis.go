package options

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps settings as fields of a single Redis hash so several
// server instances share one configuration.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store backed by the hash at key
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "aqm-security:options"
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get option %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := r.client.HSet(ctx, r.key, key, value).Err(); err != nil {
		return fmt.Errorf("failed to set option %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.HDel(ctx, r.key, key).Err(); err != nil {
		return fmt.Errorf("failed to delete option %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) All(ctx context.Context) (map[string]string, error) {
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load options: %w", err)
	}
	return values, nil
}
