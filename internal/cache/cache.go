package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// TTLCache is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path.
type TTLCache[V any] struct {
	store sync.Map // map[string]*entry[V]
	ttl   time.Duration
	now   func() time.Time
}

type entry[V any] struct {
	value      V
	found      bool // false = negative cache entry
	expiresAt  time.Time
	refreshing atomic.Bool
}

// GetResult holds the result of a cache lookup.
type GetResult[V any] struct {
	Value        V
	Found        bool // false for negative entries
	Hit          bool // true if an entry exists, fresh or stale
	NeedsRefresh bool // true for the one caller that should refresh a stale entry
}

// New creates a cache with the given TTL.
func New[V any](ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{ttl: ttl, now: time.Now}
}

// Get performs a non-blocking lookup.
// Returns stale entries with NeedsRefresh=true when expired.
func (c *TTLCache[V]) Get(key string) GetResult[V] {
	val, ok := c.store.Load(key)
	if !ok {
		return GetResult[V]{}
	}

	e := val.(*entry[V])
	if c.now().Before(e.expiresAt) {
		return GetResult[V]{Value: e.value, Found: e.found, Hit: true}
	}

	// Only one goroutine wins the CAS.
	needsRefresh := e.refreshing.CompareAndSwap(false, true)
	return GetResult[V]{
		Value:        e.value,
		Found:        e.found,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores a value with a fresh TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.store.Store(key, &entry[V]{
		value:     value,
		found:     true,
		expiresAt: c.now().Add(c.ttl),
	})
}

// SetMissing stores a negative entry so repeated misses skip the backing store.
func (c *TTLCache[V]) SetMissing(key string) {
	c.store.Store(key, &entry[V]{expiresAt: c.now().Add(c.ttl)})
}

// ReleaseRefresh lets another caller retry refreshing a stale entry after a
// failed refresh.
func (c *TTLCache[V]) ReleaseRefresh(key string) {
	if val, ok := c.store.Load(key); ok {
		val.(*entry[V]).refreshing.Store(false)
	}
}

// Delete removes an entry.
func (c *TTLCache[V]) Delete(key string) {
	c.store.Delete(key)
}
