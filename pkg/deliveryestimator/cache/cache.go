package cache

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// Cache provides thread-safe caching of computed values with TTL
type Cache[V any] struct {
	data   map[string]*cacheEntry[V]
	mutex  sync.RWMutex
	ttl    time.Duration
	maxAge time.Duration
	clock  clock.WithTicker
	stopCh chan struct{}
	once   sync.Once

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry[V any] struct {
	value    V
	storedAt time.Time
	hits     int64
}

// New creates a new cache instance backed by the wall clock
func New[V any](ttl time.Duration, maxAge time.Duration) *Cache[V] {
	return NewWithClock[V](ttl, maxAge, clock.RealClock{})
}

// NewWithClock creates a cache that reads time from clk
func NewWithClock[V any](ttl time.Duration, maxAge time.Duration, clk clock.WithTicker) *Cache[V] {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}

	c := &Cache[V]{
		data: make(map[string]*cacheEntry[V]),
		// Freshness window checked on Get.
		ttl: ttl,
		// Age at which the cleanup loop drops an entry.
		maxAge: maxAge,
		clock:  clk,
		stopCh: make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get returns the value stored under key if it is still fresh
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.data[key]
	if !exists || c.clock.Since(entry.storedAt) > c.ttl {
		c.misses.Inc()
		return zero, false
	}

	entry.hits++
	c.hits.Inc()
	return entry.value, true
}

// Set stores value under key, replacing any previous entry
func (c *Cache[V]) Set(key string, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[key] = &cacheEntry[V]{
		value:    value,
		storedAt: c.clock.Now(),
	}

	klog.V(5).InfoS("Cached value", "key", key)
}

// GetMetrics returns cache performance metrics
func (c *Cache[V]) GetMetrics() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// cleanup periodically removes entries older than maxAge
func (c *Cache[V]) cleanup() {
	ticker := c.clock.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C():
			c.removeExpired()
		}
	}
}

func (c *Cache[V]) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.clock.Now()
	for key, entry := range c.data {
		age := now.Sub(entry.storedAt)
		if age > c.maxAge {
			delete(c.data, key)
			klog.V(5).InfoS("Removed expired cache entry",
				"key", key,
				"age", age.String(),
				"hits", entry.hits)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *Cache[V]) Close() {
	c.once.Do(func() { close(c.stopCh) })
}

// Clear removes all entries from the cache
func (c *Cache[V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data = make(map[string]*cacheEntry[V])
	klog.V(4).Info("Cleared cache")
}

// Size returns the number of entries in the cache
func (c *Cache[V]) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}
