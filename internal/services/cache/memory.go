package cache

import (
	"context"
	"time"

	"github.com/routelab/tierproxy/internal/config"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMaxEntries = 50000
	defaultTTL        = time.Hour
)

// memoryCache is a fixed-capacity LRU with per-entry TTL. The expirable LRU
// serializes its own operations, so it is safe for concurrent requests.
type memoryCache struct {
	lru *expirable.LRU[string, string]
}

func newMemoryCache(cfg config.CacheConfig) *memoryCache {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &memoryCache{
		lru: expirable.NewLRU[string, string](maxEntries, nil, ttl),
	}
}

func (m *memoryCache) Get(_ context.Context, key string) (string, bool) {
	return m.lru.Get(key)
}

func (m *memoryCache) Set(_ context.Context, key, value string) {
	m.lru.Add(key, value)
}
