// Package cache provides a small in-memory LRU cache with TTL expiry.
package cache

import (
	"sync"
	"time"

	"github.com/biocatchltd/heksher/internal/settingtypes"
)

// Cache is a capacity-bounded LRU cache with per-item TTL.
type Cache[V any] struct {
	capacity int
	ttl      time.Duration
	mu       sync.Mutex
	items    map[string]*item[V]
	order    []string // least recently used first
}

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most capacity items, each valid for ttl.
func New[V any](capacity int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*item[V]),
		order:    make([]string, 0, capacity),
	}
}

// Get retrieves an item and marks it most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	it, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if time.Now().After(it.expiresAt) {
		delete(c.items, key)
		c.removeFromOrder(key)
		return zero, false
	}
	c.moveToEnd(key)
	return it.value, true
}

// Set stores an item, evicting the least recently used entry at capacity.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; exists {
		c.items[key] = &item[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
		c.moveToEnd(key)
		return
	}
	if c.capacity > 0 && len(c.items) >= c.capacity {
		c.evict()
	}
	c.items[key] = &item[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.order = append(c.order, key)
}

// Delete removes an item.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	c.removeFromOrder(key)
}

// Clear removes all items.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*item[V])
	c.order = make([]string, 0, c.capacity)
}

// Size returns the number of cached items.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CleanupExpired removes expired items and returns how many were dropped.
func (c *Cache[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, it := range c.items {
		if now.After(it.expiresAt) {
			delete(c.items, key)
			c.removeFromOrder(key)
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) evict() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.items, oldest)
}

func (c *Cache[V]) moveToEnd(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *Cache[V]) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// TypeCache memoizes parsed type expressions. Parsing is pure, so entries
// never need invalidation; the TTL only bounds memory under churn.
type TypeCache struct {
	cache *Cache[settingtypes.Type]
}

// NewTypeCache creates a type cache.
func NewTypeCache(capacity int, ttl time.Duration) *TypeCache {
	return &TypeCache{cache: New[settingtypes.Type](capacity, ttl)}
}

// Parse returns the parsed form of expr, consulting the cache first.
func (c *TypeCache) Parse(expr string) (settingtypes.Type, error) {
	if t, ok := c.cache.Get(expr); ok {
		return t, nil
	}
	t, err := settingtypes.Parse(expr)
	if err != nil {
		return nil, err
	}
	c.cache.Set(expr, t)
	return t, nil
}

// Size returns the number of cached types.
func (c *TypeCache) Size() int {
	return c.cache.Size()
}
