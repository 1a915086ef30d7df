package mdstream

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCacheCapacity is used when NewProcessorCache is given a non-positive capacity.
const DefaultCacheCapacity = 100

// ProcessorCache keeps recently built pipelines keyed by their configuration.
// Reads and writes both count as uses; when full, the least recently used
// entry is evicted.
type ProcessorCache struct {
	mu        sync.Mutex
	capacity  int
	store     *simplelru.LRU[string, *Pipeline]
	names     *pluginNames
	hits      uint64
	misses    uint64
	evictions uint64
}

// CacheStats is a point-in-time view of cache activity.
type CacheStats struct {
	Entries   int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// NewProcessorCache returns an empty cache holding at most capacity pipelines.
func NewProcessorCache(capacity int) *ProcessorCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	c := &ProcessorCache{capacity: capacity, names: newPluginNames()}
	store, err := simplelru.NewLRU[string, *Pipeline](capacity, func(string, *Pipeline) {
		c.evictions++
	})
	if err != nil {
		// capacity is positive, NewLRU only fails otherwise
		panic(err)
	}
	c.store = store
	return c
}

// Get returns the pipeline stored under key and marks it most recently used.
func (c *ProcessorCache) Get(key string) (*Pipeline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.store.Get(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return p, ok
}

// Set stores p under key as the most recently used entry.
func (c *ProcessorCache) Set(key string, p *Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Add(key, p)
}

// Len returns the number of cached pipelines.
func (c *ProcessorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

// Capacity returns the maximum number of cached pipelines.
func (c *ProcessorCache) Capacity() int {
	return c.capacity
}

// Keys returns the cached keys from least to most recently used.
func (c *ProcessorCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Keys()
}

// Stats returns current counters.
func (c *ProcessorCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   c.store.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Pipeline returns the cached pipeline for cfg, building and inserting it on
// a miss. Build errors are returned and nothing is cached.
func (c *ProcessorCache) Pipeline(cfg Config) (*Pipeline, string, error) {
	key := c.MakeKey(cfg)
	if p, ok := c.Get(key); ok {
		return p, key, nil
	}
	p, err := Build(cfg)
	if err != nil {
		return nil, key, err
	}
	c.Set(key, p)
	return p, key, nil
}
