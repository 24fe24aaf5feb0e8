// Package storage provides the transient key-value cache used for geolocation
// results and one-time form tokens.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("storage: cache miss")

// CacheStorage provides short-lived caching with per-entry expiry
type CacheStorage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Take returns and removes the entry atomically. Of several concurrent
	// callers for one key at most one gets the value.
	Take(ctx context.Context, key string) ([]byte, error)
	Clear(ctx context.Context) error
	Stats() CacheStats
}

// CacheStats represents cache statistics
type CacheStats struct {
	Backend string  `json:"backend"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Entries int64   `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// Config selects and configures the cache backend
type Config struct {
	Backend         string        `toml:"backend"`
	DefaultTTL      time.Duration `toml:"defaultTTL"`
	CleanupInterval time.Duration `toml:"cleanupInterval"`
}

// RedisConfig represents Redis connection configuration shared by the cache
// and the options store
type RedisConfig struct {
	Addr         string        `toml:"addr"`
	Password     string        `toml:"password"`
	DB           int           `toml:"db"`
	PoolSize     int           `toml:"poolSize"`
	DialTimeout  time.Duration `toml:"dialTimeout"`
	ReadTimeout  time.Duration `toml:"readTimeout"`
	WriteTimeout time.Duration `toml:"writeTimeout"`
	KeyPrefix    string        `toml:"keyPrefix"`
	MaxRetries   int           `toml:"maxRetries"`
}

// DefaultConfig returns the in-memory cache configuration
func DefaultConfig() Config {
	return Config{
		Backend:         "memory",
		DefaultTTL:      time.Hour,
		CleanupInterval: 10 * time.Minute,
	}
}

// DefaultRedisConfig returns Redis defaults
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "aqm-security:",
		MaxRetries:   3,
	}
}

// New creates the cache backend named by config.Backend. The Redis backend
// requires a connected client, see NewRedisClient.
func New(config Config, redisConfig RedisConfig) (CacheStorage, error) {
	switch config.Backend {
	case "", "memory":
		return NewMemoryCache(config.DefaultTTL, config.CleanupInterval), nil
	case "redis":
		client, err := NewRedisClient(redisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisCache(client, redisConfig), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", config.Backend)
	}
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
