package providers

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// clientCache caches vendor SDK clients per upstream so each configuration
// builds its client once, even under concurrent load. Config is frozen at
// startup, so entries never need invalidation.
type clientCache[T any] struct {
	cache sync.Map
	group singleflight.Group
}

func (c *clientCache[T]) getOrCreate(key string, factory func() (T, error)) (T, error) {
	if cached, ok := c.cache.Load(key); ok {
		return cached.(T), nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if cached, ok := c.cache.Load(key); ok {
			return cached.(T), nil
		}
		client, err := factory()
		if err != nil {
			return nil, err
		}
		c.cache.Store(key, client)
		return client, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
