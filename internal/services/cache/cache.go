// Package cache provides the decision cache: at-most-once-per-fingerprint
// reuse of classifier decisions across interchangeable backends. The cache is
// advisory; a miss simply triggers reclassification, so runtime backend
// errors are swallowed rather than propagated.
package cache

import (
	"context"

	"github.com/routelab/tierproxy/internal/config"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// DecisionCache is the narrow capability every backend satisfies.
type DecisionCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string)
}

// New selects a backend from the cache configuration: no-op when caching is
// disabled, Redis when a URL is configured (falling back to in-process on
// connection failure), otherwise the in-process LRU.
func New(cfg config.CacheConfig) DecisionCache {
	if !cfg.Enabled {
		fiberlog.Info("decision cache disabled")
		return noopCache{}
	}

	if cfg.RedisURL != "" {
		remote, err := newRedisCache(cfg)
		if err != nil {
			fiberlog.Warnf("redis decision cache unavailable, falling back to memory: %v", err)
		} else {
			fiberlog.Info("decision cache backend: redis")
			return remote
		}
	}

	fiberlog.Infof("decision cache backend: memory (max %d entries, ttl %v)", cfg.MaxEntries, cfg.TTL)
	return newMemoryCache(cfg)
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (string, bool) { return "", false }

func (noopCache) Set(context.Context, string, string) {}
