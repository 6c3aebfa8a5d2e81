package cache

import (
	"context"
	"testing"
	"time"

	"github.com/routelab/tierproxy/internal/config"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	c := New(config.CacheConfig{Enabled: false})

	c.Set(context.Background(), "k", "1")
	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Error("noop cache must never hit")
	}
}

func TestNew_RedisFallsBackToMemory(t *testing.T) {
	// Nothing listens here; construction must fall back, not fail.
	c := New(config.CacheConfig{
		Enabled:    true,
		RedisURL:   "redis://127.0.0.1:1/0",
		TTL:        time.Hour,
		MaxEntries: 10,
	})

	c.Set(context.Background(), "k", "2")
	if v, ok := c.Get(context.Background(), "k"); !ok || v != "2" {
		t.Errorf("fallback cache Get = (%q, %t), want (2, true)", v, ok)
	}
}

func TestMemoryCache_ReadYourWrites(t *testing.T) {
	c := newMemoryCache(config.CacheConfig{TTL: time.Hour, MaxEntries: 100})

	if _, ok := c.Get(context.Background(), "fp"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	c.Set(context.Background(), "fp", "1")
	if v, ok := c.Get(context.Background(), "fp"); !ok || v != "1" {
		t.Errorf("Get = (%q, %t), want (1, true)", v, ok)
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := newMemoryCache(config.CacheConfig{TTL: 20 * time.Millisecond, MaxEntries: 100})

	c.Set(context.Background(), "fp", "0")
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(context.Background(), "fp"); ok {
		t.Error("entry should have expired")
	}
}

func TestMemoryCache_CapacityEviction(t *testing.T) {
	c := newMemoryCache(config.CacheConfig{TTL: time.Hour, MaxEntries: 2})

	c.Set(context.Background(), "a", "0")
	c.Set(context.Background(), "b", "1")
	c.Set(context.Background(), "c", "2")

	hits := 0
	for _, key := range []string{"a", "b", "c"} {
		if _, ok := c.Get(context.Background(), key); ok {
			hits++
		}
	}
	if hits != 2 {
		t.Errorf("expected exactly 2 survivors in a 2-entry LRU, got %d", hits)
	}
}
