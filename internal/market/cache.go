package market

import (
	"context"
	"sync"
	"time"
)

// LoaderFunc fetches a value on a cache miss.
type LoaderFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache is a TTL cache with an explicit clock. Loader errors are not cached.
type Cache[K comparable, V any] struct {
	ttl  time.Duration
	load LoaderFunc[K, V]

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	mu      sync.Mutex
	entries map[K]entry[V]
}

// NewCache creates a cache that keeps loaded values for ttl. A ttl of zero
// or less keeps them until invalidated.
func NewCache[K comparable, V any](ttl time.Duration, load LoaderFunc[K, V]) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		load:    load,
		Now:     time.Now,
		entries: make(map[K]entry[V]),
	}
}

// Get returns the cached value for key, loading it when missing or expired.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	now := c.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && (c.ttl <= 0 || now.Before(e.expires)) {
		return e.value, nil
	}

	v, err := c.load(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	c.entries[key] = entry[V]{value: v, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return v, nil
}

// Invalidate drops key.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Len returns the number of entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MetaCache is a Source that memoises another Source.
type MetaCache struct {
	*Cache[string, Meta]
}

// NewMetaCache wraps src with a TTL cache.
func NewMetaCache(src Source, ttl time.Duration) *MetaCache {
	return &MetaCache{Cache: NewCache[string, Meta](ttl, src.Meta)}
}

func (m *MetaCache) Meta(ctx context.Context, symbol string) (Meta, error) {
	return m.Get(ctx, symbol)
}
