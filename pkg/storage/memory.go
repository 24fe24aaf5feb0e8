// Package storage - in-memory cache backend
package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache implements CacheStorage on top of go-cache
type MemoryCache struct {
	// mu serializes writers against Take
	mu     sync.Mutex
	cache  *gocache.Cache
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache(defaultTTL, cleanupInterval time.Duration) *MemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	return &MemoryCache{
		cache: gocache.New(defaultTTL, cleanupInterval),
	}
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		m.misses.Add(1)
		return nil, ErrCacheMiss
	}
	m.hits.Add(1)

	// Hand out a copy so callers cannot mutate the cached value
	stored := v.([]byte)
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.mu.Lock()
	m.cache.Set(key, stored, ttl)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	m.cache.Delete(key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Take(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	v, ok := m.cache.Get(key)
	if ok {
		m.cache.Delete(key)
	}
	m.mu.Unlock()

	if !ok {
		m.misses.Add(1)
		return nil, ErrCacheMiss
	}
	m.hits.Add(1)
	return v.([]byte), nil
}

func (m *MemoryCache) Clear(ctx context.Context) error {
	m.cache.Flush()
	return nil
}

func (m *MemoryCache) Stats() CacheStats {
	hits, misses := m.hits.Load(), m.misses.Load()
	return CacheStats{
		Backend: "memory",
		Hits:    hits,
		Misses:  misses,
		Entries: int64(m.cache.ItemCount()),
		HitRate: hitRate(hits, misses),
	}
}
