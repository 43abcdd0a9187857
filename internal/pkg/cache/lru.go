// Package cache provides the bounded least-recently-used map every handler
// uses to cap its per-flow state.
package cache

import (
	"container/list"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EvictReason tells an eviction callback why an entry is leaving the cache.
type EvictReason int

const (
	// Capacity means the entry was the least recently used one when an
	// insertion exceeded the capacity.
	Capacity EvictReason = iota
	// Cleared means the whole cache was cleared (capture reset).
	Cleared
)

func (r EvictReason) String() string {
	if r == Cleared {
		return "cleared"
	}
	return "capacity"
}

// EvictFunc is invoked once for every entry pushed out by capacity or Clear,
// before Put or Clear returns. The entry is already unlinked and the cache
// lock is released, so the callback may call back into the cache.
type EvictFunc[K comparable, V any] func(key K, value V, reason EvictReason)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a fixed-capacity key/value map with least-recently-used eviction.
// Single-key operations are atomic. Callers that need check-then-add
// semantics across several calls must use GetOrAdd or their own lock.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[K]*list.Element
	onEvict  EvictFunc[K, V]
	evicted  prometheus.Counter
}

// New creates a cache holding at most capacity entries. A capacity below one
// is treated as one.
func New[K comparable, V any](capacity int, onEvict EvictFunc[K, V]) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[K]*list.Element),
		onEvict:  onEvict,
	}
}

// WithEvictionCounter counts capacity evictions on c.
func (c *LRU[K, V]) WithEvictionCounter(counter prometheus.Counter) *LRU[K, V] {
	c.mu.Lock()
	c.evicted = counter
	c.mu.Unlock()
	return c
}

// Capacity returns the maximum number of entries.
func (c *LRU[K, V]) Capacity() int {
	return c.capacity
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Peek returns the value for key without touching its recency.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present without touching its recency.
func (c *LRU[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

// Put inserts or updates key. Updating refreshes recency. When the insertion
// exceeds the capacity the least recently used entry is evicted and the
// callback runs before Put returns.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		el.Value.(*entry[K, V]).value = value
		c.ll.MoveToFront(el)
		c.mu.Unlock()
		return
	}
	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: value})
	victim, evicted := c.evictLocked()
	c.mu.Unlock()

	if evicted {
		c.fire(victim, Capacity)
	}
}

// GetOrAdd returns the existing value for key, or stores and returns the
// value produced by create. The check and the insertion happen under a
// single lock acquisition.
func (c *LRU[K, V]) GetOrAdd(key K, create func() V) (V, bool) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		v := el.Value.(*entry[K, V]).value
		c.mu.Unlock()
		return v, true
	}
	v := create()
	c.items[key] = c.ll.PushFront(&entry[K, V]{key: key, value: v})
	victim, evicted := c.evictLocked()
	c.mu.Unlock()

	if evicted {
		c.fire(victim, Capacity)
	}
	return v, false
}

// Remove deletes key without invoking the eviction callback.
func (c *LRU[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
		return el.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Clear empties the cache, invoking the callback once per entry from most to
// least recently used.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	victims := make([]*entry[K, V], 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		victims = append(victims, el.Value.(*entry[K, V]))
	}
	c.ll.Init()
	c.items = make(map[K]*list.Element)
	c.mu.Unlock()

	for _, v := range victims {
		c.fire(v, Cleared)
	}
}

// Len returns the number of entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Keys returns a snapshot of the keys, most recently used first.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[K, V]).key)
	}
	return keys
}

// Values returns a snapshot of the values, most recently used first. The
// snapshot is safe to iterate while the cache is being modified.
func (c *LRU[K, V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	values := make([]V, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		values = append(values, el.Value.(*entry[K, V]).value)
	}
	return values
}

// Range calls fn on a snapshot of the entries until fn returns false.
func (c *LRU[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	snapshot := make([]entry[K, V], 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		snapshot = append(snapshot, *el.Value.(*entry[K, V]))
	}
	c.mu.Unlock()

	for _, e := range snapshot {
		if !fn(e.key, e.value) {
			return
		}
	}
}

func (c *LRU[K, V]) evictLocked() (*entry[K, V], bool) {
	if c.ll.Len() <= c.capacity {
		return nil, false
	}
	el := c.ll.Back()
	c.ll.Remove(el)
	victim := el.Value.(*entry[K, V])
	delete(c.items, victim.key)
	if c.evicted != nil {
		c.evicted.Inc()
	}
	return victim, true
}

func (c *LRU[K, V]) fire(e *entry[K, V], reason EvictReason) {
	if c.onEvict != nil {
		c.onEvict(e.key, e.value, reason)
	}
}
