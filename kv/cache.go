package kv

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheSize bounds the number of hot entries retained per
// collection. A long-running indexer touching millions of ids would
// grow an unbounded map without limit, so the cache is backed by an
// LRU (hashicorp/golang-lru) instead of a raw map.
const defaultCacheSize = 100_000

// HotCache is the in-memory mirror of recently read/written entities,
// keyed first by collection then by id. It never talks to the backing
// store; callers populate it on put/batch and consult it before
// falling through to disk.
type HotCache struct {
	mu          sync.RWMutex
	collections map[string]*lru.Cache[string, Entity]
	size        int
}

// NewHotCache builds a cache with the default per-collection capacity.
func NewHotCache() *HotCache {
	return NewHotCacheSized(defaultCacheSize)
}

// NewHotCacheSized builds a cache with an explicit per-collection capacity.
func NewHotCacheSized(size int) *HotCache {
	return &HotCache{
		collections: make(map[string]*lru.Cache[string, Entity]),
		size:        size,
	}
}

func (c *HotCache) collection(ref string) *lru.Cache[string, Entity] {
	c.mu.RLock()
	l, ok := c.collections[ref]
	c.mu.RUnlock()
	if ok {
		return l
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok = c.collections[ref]; ok {
		return l
	}
	l, _ = lru.New[string, Entity](c.size)
	c.collections[ref] = l
	return l
}

// Get returns the cached entity for ref.id, if present.
func (c *HotCache) Get(ref, id string) (Entity, bool) {
	return c.collection(ref).Get(id)
}

// Put stores or overwrites the cached entity for ref.id.
func (c *HotCache) Put(ref, id string, v Entity) {
	c.collection(ref).Add(id, v)
}

// Del drops the cached entity for ref.id, if any.
func (c *HotCache) Del(ref, id string) {
	c.collection(ref).Remove(id)
}

// Values returns every cached entity for a collection; Get falls back
// to it when the Mongo scan of a mutable collection fails.
func (c *HotCache) Values(ref string) []Entity {
	l := c.collection(ref)
	keys := l.Keys()
	out := make([]Entity, 0, len(keys))
	for _, k := range keys {
		if v, ok := l.Peek(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// Has reports whether the cache currently holds any entry for a collection.
func (c *HotCache) Has(ref string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.collections[ref]
	return ok && l.Len() > 0
}
