// Package storage - Redis cache backend
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient creates a Redis client and verifies the connection
func NewRedisClient(config RedisConfig) (*redis.Client, error) {
	defaults := DefaultRedisConfig()
	if config.PoolSize <= 0 {
		config.PoolSize = defaults.PoolSize
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		MaxRetries:   config.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisCache implements CacheStorage using Redis string keys with TTLs
type RedisCache struct {
	client *redis.Client
	config RedisConfig
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache wraps a connected client
func NewRedisCache(client *redis.Client, config RedisConfig) *RedisCache {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultRedisConfig().ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultRedisConfig().WriteTimeout
	}
	return &RedisCache{client: client, config: config}
}

func (r *RedisCache) key(k string) string {
	return r.config.KeyPrefix + "cache:" + k
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.ReadTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	r.hits.Add(1)
	return val, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()

	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()

	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Take reads and deletes the key inside MULTI/EXEC
func (r *RedisCache) Take(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()

	k := r.key(key)
	pipe := r.client.TxPipeline()
	get := pipe.Get(ctx, k)
	pipe.Del(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to take cache entry: %w", err)
	}

	val, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take cache entry: %w", err)
	}
	r.hits.Add(1)
	return val, nil
}

// Clear removes every cache key under the configured prefix
func (r *RedisCache) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.WriteTimeout)
	defer cancel()

	iter := r.client.Scan(ctx, 0, r.key("*"), 100).Iterator()
	keys := make([]string, 0, 100)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == 100 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	if len(keys) > 0 {
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return nil
}

func (r *RedisCache) Stats() CacheStats {
	hits, misses := r.hits.Load(), r.misses.Load()
	return CacheStats{
		Backend: "redis",
		Hits:    hits,
		Misses:  misses,
		Entries: -1,
		HitRate: hitRate(hits, misses),
	}
}

// Close releases the underlying client
func (r *RedisCache) Close() error {
	return r.client.Close()
}
