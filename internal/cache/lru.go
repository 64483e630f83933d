// Package cache holds the small in-process caches used by the event log
// sources to avoid refetching immutable block metadata.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// LRU is a bounded cache with per-entry TTL. A zero TTL never expires.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[K]*list.Element
	order    *list.List
	nowFn    func() time.Time
	onLookup func(hit bool)

	loads singleflight.Group

	hits   int64
	misses int64
}

type slot[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

type LRUOption[K comparable, V any] func(*LRU[K, V])

// WithLookupHook registers fn to observe every Get result, e.g. for metrics.
func WithLookupHook[K comparable, V any](fn func(hit bool)) LRUOption[K, V] {
	return func(c *LRU[K, V]) { c.onLookup = fn }
}

// NewLRU creates a cache holding at most capacity entries. A capacity below
// one is raised to one.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration, opts ...LRUOption[K, V]) *LRU[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	c := &LRU[K, V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key if present and not expired.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	v, ok := c.getLocked(key)
	hook := c.onLookup
	c.mu.Unlock()

	if hook != nil {
		hook(ok)
	}
	return v, ok
}

func (c *LRU[K, V]) getLocked(key K) (V, bool) {
	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	s := elem.Value.(*slot[K, V])
	if c.ttl > 0 && c.nowFn().After(s.expiresAt) {
		c.remove(elem)
		c.misses++
		return zero, false
	}
	c.order.MoveToFront(elem)
	c.hits++
	return s.value, true
}

// Put stores value under key, evicting the least recently used entry when full.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.nowFn().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		s := elem.Value.(*slot[K, V])
		s.value = value
		s.expiresAt = expires
		c.order.MoveToFront(elem)
		return
	}
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.remove(oldest)
		}
	}
	c.items[key] = c.order.PushFront(&slot[K, V]{key: key, value: value, expiresAt: expires})
}

// GetOrLoad returns the cached value for key or calls load once per key across
// concurrent callers and caches a successful result. Load errors are not cached.
func (c *LRU[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	res, err, _ := c.loads.Do(fmt.Sprint(key), func() (any, error) {
		// A concurrent load may have landed between the miss and Do.
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.Put(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *LRU[K, V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *LRU[K, V]) peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		s := elem.Value.(*slot[K, V])
		if c.ttl <= 0 || !c.nowFn().After(s.expiresAt) {
			return s.value, true
		}
	}
	var zero V
	return zero, false
}

func (c *LRU[K, V]) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*slot[K, V]).key)
}
