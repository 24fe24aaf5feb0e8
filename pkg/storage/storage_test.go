package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestMemoryCache tests the go-cache backed implementation
func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(time.Minute, time.Minute)

	t.Run("MissOnEmpty", func(t *testing.T) {
		_, err := cache.Get(ctx, "absent")
		if !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Expected ErrCacheMiss, got %v", err)
		}
	})

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "k", []byte("value"), time.Minute); err != nil {
			t.Fatalf("Set returned error: %v", err)
		}
		got, err := cache.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if string(got) != "value" {
			t.Errorf("Expected 'value', got %q", got)
		}
	})

	t.Run("ValuesAreCopied", func(t *testing.T) {
		buf := []byte("abc")
		cache.Set(ctx, "copy", buf, time.Minute)
		buf[0] = 'x'

		got, _ := cache.Get(ctx, "copy")
		if string(got) != "abc" {
			t.Errorf("Expected stored value to be isolated, got %q", got)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		cache.Set(ctx, "short", []byte("v"), 10*time.Millisecond)
		time.Sleep(30 * time.Millisecond)
		if _, err := cache.Get(ctx, "short"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Expected expired entry to miss, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		cache.Set(ctx, "gone", []byte("v"), time.Minute)
		cache.Delete(ctx, "gone")
		if _, err := cache.Get(ctx, "gone"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Expected deleted entry to miss, got %v", err)
		}
	})

	t.Run("Take", func(t *testing.T) {
		cache.Set(ctx, "once", []byte("v"), time.Minute)
		got, err := cache.Take(ctx, "once")
		if err != nil || string(got) != "v" {
			t.Fatalf("Expected first take to return 'v', got %q, %v", got, err)
		}
		if _, err := cache.Take(ctx, "once"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Expected second take to miss, got %v", err)
		}
		if _, err := cache.Get(ctx, "once"); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Expected taken entry to be removed, got %v", err)
		}
	})

	t.Run("ClearAndStats", func(t *testing.T) {
		cache.Set(ctx, "a", []byte("1"), time.Minute)
		if cache.Stats().Entries == 0 {
			t.Error("Expected entries before clear")
		}
		cache.Clear(ctx)

		stats := cache.Stats()
		if stats.Entries != 0 {
			t.Errorf("Expected 0 entries after clear, got %d", stats.Entries)
		}
		if stats.Backend != "memory" {
			t.Errorf("Expected backend 'memory', got %s", stats.Backend)
		}
		if stats.Hits == 0 || stats.Misses == 0 {
			t.Errorf("Expected hits and misses to be counted, got %+v", stats)
		}
	})
}

func TestMemoryCacheTakeConcurrent(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache(time.Minute, time.Minute)

	for round := 0; round < 100; round++ {
		cache.Set(ctx, "k", []byte("v"), time.Minute)

		var wg sync.WaitGroup
		var won atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := cache.Take(ctx, "k"); err == nil {
					won.Add(1)
				}
			}()
		}
		wg.Wait()

		if n := won.Load(); n != 1 {
			t.Fatalf("Expected exactly one take to succeed, got %d", n)
		}
	}
}

func TestNew(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(DefaultConfig(), DefaultRedisConfig())
		if err != nil {
			t.Fatalf("New returned error: %v", err)
		}
		if _, ok := c.(*MemoryCache); !ok {
			t.Errorf("Expected *MemoryCache, got %T", c)
		}
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		if _, err := New(Config{Backend: "etcd"}, DefaultRedisConfig()); err == nil {
			t.Error("Expected error for unknown backend")
		}
	})

	t.Run("RedisUnreachable", func(t *testing.T) {
		rc := DefaultRedisConfig()
		rc.Addr = "127.0.0.1:1"
		rc.DialTimeout = 200 * time.Millisecond
		rc.MaxRetries = 1

		if _, err := New(Config{Backend: "redis"}, rc); err == nil {
			t.Error("Expected connection error for unreachable redis")
		}
	})
}

func TestHitRate(t *testing.T) {
	if got := hitRate(0, 0); got != 0 {
		t.Errorf("Expected 0 hit rate with no lookups, got %f", got)
	}
	if got := hitRate(3, 1); got != 0.75 {
		t.Errorf("Expected 0.75, got %f", got)
	}
}
