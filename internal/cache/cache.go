// Package cache is a process-wide key/value cache with explicit TTLs and
// invalidation keys. It is passed to its users; there is no global instance.
package cache

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type item[V any] struct {
	value   V
	expires time.Time // zero = no expiry
}

func (it item[V]) expired(now time.Time) bool {
	return !it.expires.IsZero() && !now.Before(it.expires)
}

// Cache maps string keys to values with per-entry expiry. MaxEntries > 0
// bounds the size; once full, the entry closest to expiry is evicted.
type Cache[V any] struct {
	mu         sync.Mutex
	items      map[string]item[V]
	maxEntries int
	now        func() time.Time

	loads singleflight.Group
}

type Option[V any] func(*Cache[V])

func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

func WithMaxEntries[V any](n int) Option[V] {
	return func(c *Cache[V]) { c.maxEntries = n }
}

func New[V any](opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{items: map[string]item[V]{}, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok || it.expired(c.now()) {
		if ok {
			delete(c.items, key)
		}
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores v for ttl; ttl <= 0 keeps it until invalidated.
func (c *Cache[V]) Set(key string, v V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	it := item[V]{value: v}
	if ttl > 0 {
		it.expires = now.Add(ttl)
	}
	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.pruneLocked(now)
		if len(c.items) >= c.maxEntries {
			c.evictOneLocked()
		}
	}
	c.items[key] = it
}

// GetOrLoad returns the cached value or calls load once per key, even under
// concurrent callers, and caches a successful result for ttl.
func (c *Cache[V]) GetOrLoad(key string, ttl time.Duration, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	res, err, _ := c.loads.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return v, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	c.loads.Forget(key)
}

// InvalidatePrefix drops every key starting with prefix and returns the count.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	n := 0
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
			c.loads.Forget(k)
			n++
		}
	}
	c.mu.Unlock()
	return n
}

// Prune removes expired entries and returns how many were dropped.
func (c *Cache[V]) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(c.now())
}

func (c *Cache[V]) pruneLocked(now time.Time) int {
	n := 0
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// evictOneLocked drops the entry expiring soonest; entries without expiry go last.
func (c *Cache[V]) evictOneLocked() {
	var (
		victim string
		best   time.Time
		found  bool
	)
	for k, it := range c.items {
		if it.expires.IsZero() {
			if !found {
				victim, found = k, true
			}
			continue
		}
		if !found || best.IsZero() || it.expires.Before(best) {
			victim, best, found = k, it.expires, true
		}
	}
	if found {
		delete(c.items, victim)
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
