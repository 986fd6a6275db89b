// Package cache provides the refcounted LRU caches that sit between query
// execution and the dump databases on disk. Entries stay pinned while any
// caller holds a reference; eviction only reclaims unpinned entries.
package cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hnlq715/golang-lru/simplelru"
)

// Derefer is the type of a function that returns an entry to the cache,
// possibly causing its disposal.
type Derefer func() error

// SetFn produces the value for a key on a cache miss.
type SetFn func() (interface{}, error)

// Params controls a Cache.
type Params struct {
	// User-visible name to give this cache.
	Name string
	// Capacity is the number of resident entries, pinned or not, above
	// which unpinned entries are evicted.
	Capacity int
	// OnDispose disposes of an entry. It is called when the last
	// reference to an evicted entry is released.
	OnDispose func(value interface{}) error
	// OnHit and OnMiss are optional instrumentation hooks.
	OnHit  func()
	OnMiss func()
}

// ErrNegativeReferenceCount reports a release without a matching acquire.
var ErrNegativeReferenceCount = errors.New("internal error: negative reference count")

// Cache is a refcounted LRU keyed by comparable values. It is safe for
// concurrent use. Concurrent misses on the same key run the set function
// once; the other callers wait for its result.
type Cache struct {
	p  Params
	mu sync.Mutex // protects lru, inflight, and entry refs
	// The LRU never evicts on its own; capacity is enforced by
	// evictLocked, which skips pinned entries.
	lru      *simplelru.LRU
	inflight map[interface{}]chan struct{}
}

type cacheEntry struct {
	value interface{}
	// refs counts the cache's own reference plus one per outstanding
	// Derefer. An entry with refs == 1 is resident but unpinned.
	refs int
}

// New creates a cache with the given parameters.
func New(p Params) *Cache {
	lru, err := simplelru.NewLRU(1<<30, nil)
	if err != nil {
		panic(err)
	}
	return &Cache{
		p:        p,
		lru:      lru,
		inflight: make(map[interface{}]chan struct{}),
	}
}

// Name returns the cache's user-visible name.
func (c *Cache) Name() string {
	return c.p.Name
}

// Len returns the number of resident entries, pinned or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// GetOrSet returns the cached value for k, running setFn on a miss. The
// returned Derefer must be called exactly once; until then the entry cannot
// be evicted.
func (c *Cache) GetOrSet(k interface{}, setFn SetFn) (interface{}, Derefer, error) {
	for {
		c.mu.Lock()
		if e, ok := c.lru.Get(k); ok {
			entry := e.(*cacheEntry)
			entry.refs++
			c.mu.Unlock()
			if c.p.OnHit != nil {
				c.p.OnHit()
			}
			return entry.value, c.derefer(k, entry), nil
		}
		ch, ok := c.inflight[k]
		if !ok {
			break
		}
		c.mu.Unlock()
		// Another caller is populating this key; wait and retry.
		<-ch
	}

	ch := make(chan struct{})
	c.inflight[k] = ch
	c.mu.Unlock()

	if c.p.OnMiss != nil {
		c.p.OnMiss()
	}
	value, err := setFn()

	c.mu.Lock()
	delete(c.inflight, k)
	close(ch)
	if err != nil {
		c.mu.Unlock()
		return nil, nil, err
	}

	entry := &cacheEntry{value: value, refs: 2}
	c.lru.Add(k, entry)
	c.evictLocked()
	c.mu.Unlock()
	return value, c.derefer(k, entry), nil
}

// derefer returns the release function handed to callers. Release drops one
// reference; if the entry was already evicted and this was the last
// reference, the value is disposed.
func (c *Cache) derefer(k interface{}, entry *cacheEntry) Derefer {
	return func() error {
		c.mu.Lock()
		entry.refs--
		refs := entry.refs
		if refs == 1 {
			// Back to cache-only; capacity may now be enforceable.
			c.evictLocked()
		}
		c.mu.Unlock()

		if refs < 0 {
			return fmt.Errorf("release from %s: %w", c.p.Name, ErrNegativeReferenceCount)
		}
		if refs == 0 {
			return c.dispose(entry.value)
		}
		return nil
	}
}

// evictLocked removes the oldest unpinned entries until the cache is within
// capacity. Pinned entries are skipped; the cache may exceed capacity while
// many entries are held.
func (c *Cache) evictLocked() {
	if c.lru.Len() <= c.p.Capacity {
		return
	}
	var disposals []interface{}
	for _, k := range c.lru.Keys() {
		if c.lru.Len() <= c.p.Capacity {
			break
		}
		e, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		entry := e.(*cacheEntry)
		if entry.refs > 1 {
			continue
		}
		c.lru.Remove(k)
		entry.refs--
		if entry.refs == 0 {
			disposals = append(disposals, entry.value)
		}
	}
	for _, v := range disposals {
		// Disposal failures have no caller to report to.
		_ = c.dispose(v)
	}
}

func (c *Cache) dispose(value interface{}) error {
	if c.p.OnDispose == nil {
		return nil
	}
	return c.p.OnDispose(value)
}
