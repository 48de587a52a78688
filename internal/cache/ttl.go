// Package cache provides a bounded, TTL-expiring LRU cache that is owned and
// injected by the service that needs it.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// TTL is a concurrency-safe LRU cache whose entries expire after a fixed TTL.
// When full, the least recently used entry is evicted.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	order   *list.List // front = most recently used
	entries map[K]*list.Element

	hits, misses, evictions int64
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewTTL creates a cache holding at most maxEntries values for ttl each.
func NewTTL[K comparable, V any](ttl time.Duration, maxEntries int, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &TTL[K, V]{
		ttl:     ttl,
		max:     maxEntries,
		now:     o.now,
		order:   list.New(),
		entries: make(map[K]*list.Element),
	}
}

// Get returns the live value for key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		c.misses++
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set stores value under key, refreshing its TTL.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exp := c.now().Add(c.ttl)
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = exp
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.max {
		c.removeElement(c.order.Back())
		c.evictions++
	}
	c.entries[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: exp})
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// DeleteFunc removes every entry whose key satisfies fn.
func (c *TTL[K, V]) DeleteFunc(fn func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, el := range c.entries {
		if fn(k) {
			c.removeElement(el)
			n++
		}
	}
	return n
}

// Purge drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*entry[K, V]).expiresAt) {
			c.removeElement(el)
			n++
		}
		el = prev
	}
	return n
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats contains cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Stats returns cache statistics.
func (c *TTL[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.order.Len(), Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}

func (c *TTL[K, V]) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry[K, V])
	delete(c.entries, e.key)
}
