package storage

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Backend is the credential interface every store in this package satisfies.
type Backend interface {
	Lookup(ctx context.Context, id string) ([]byte, bool, error)
	Store(ctx context.Context, id string, key []byte) error
}

// LRUCache is a thread-safe LRU cache of secret values. Evicted, expired
// and replaced values are wiped. A zero ttl keeps entries until evicted.
type LRUCache struct {
	capacity int
	ttl      time.Duration
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
	now      func() time.Time
}

type cacheEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// NewLRUCache creates a new LRU cache with the specified capacity and
// entry lifetime.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns a copy of the cached value. Expired entries are dropped.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && !c.now().Before(entry.expires) {
		c.remove(elem)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return append([]byte(nil), entry.value...), true
}

// Put stores a copy of value.
func (c *LRUCache) Put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value = append([]byte(nil), value...)
	expires := c.now().Add(c.ttl)

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		zeroBytes(entry.value)
		entry.value = value
		entry.expires = expires
		return
	}

	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.remove(oldest)
		}
	}

	c.items[key] = c.order.PushFront(&cacheEntry{key: key, value: value, expires: expires})
}

func (c *LRUCache) remove(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	zeroBytes(entry.value)
	delete(c.items, entry.key)
	c.order.Remove(elem)
}

// Delete removes a value from the cache
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
}

// Clear wipes and removes every entry.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		zeroBytes(elem.Value.(*cacheEntry).value)
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Len returns the number of items in the cache
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// CachedStore serves lookups from an LRU cache in front of a slower
// backend. Writes go through to the backend before the cache is updated.
// Misses are not cached, so a client registered through another process
// is seen on its first request. A client removed or re-keyed through
// another process is seen once its entry expires.
type CachedStore struct {
	backend Backend
	cache   *LRUCache
}

// NewCachedStore wraps backend with a cache of size entries, each kept
// for at most ttl.
func NewCachedStore(backend Backend, size int, ttl time.Duration) *CachedStore {
	return &CachedStore{
		backend: backend,
		cache:   NewLRUCache(size, ttl),
	}
}

// Lookup returns the key for id, from cache when possible.
func (c *CachedStore) Lookup(ctx context.Context, id string) ([]byte, bool, error) {
	if key, ok := c.cache.Get(id); ok {
		return key, true, nil
	}

	key, found, err := c.backend.Lookup(ctx, id)
	if err != nil || !found {
		return nil, found, err
	}
	c.cache.Put(id, key)
	return key, true, nil
}

// Store writes key to the backend and then to the cache.
func (c *CachedStore) Store(ctx context.Context, id string, key []byte) error {
	if err := c.backend.Store(ctx, id, key); err != nil {
		c.cache.Delete(id)
		return err
	}
	c.cache.Put(id, key)
	return nil
}

// Invalidate drops id from the cache.
func (c *CachedStore) Invalidate(id string) {
	c.cache.Delete(id)
}

// Close wipes the cache.
func (c *CachedStore) Close() {
	c.cache.Clear()
}
