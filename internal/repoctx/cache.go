package repoctx

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value        Structure
	expiresAt    time.Time
	lastAccessed time.Time
}

// Cache holds repository structures with a TTL and LRU eviction. Keys
// include the commit SHA, so a new commit is a miss by construction.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	ttl        time.Duration
	maxEntries int
	metrics    *Metrics
	now        func() time.Time
}

// NewCache creates a cache. metrics may be nil.
func NewCache(ttl time.Duration, maxEntries int, metrics *Metrics) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		now:        time.Now,
	}
}

func cacheKey(repoURL, sha string) string {
	return repoURL + "@" + sha
}

// Get returns a live entry. Expired entries are removed.
func (c *Cache) Get(key string) (Structure, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && c.now().After(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.record(false)
		return Structure{}, false
	}
	e.lastAccessed = c.now()
	c.record(true)
	return e.value, true
}

// Set stores value, evicting the least recently used entry when full.
func (c *Cache) Set(key string, value Structure) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	c.entries[key] = &cacheEntry{value: value, expiresAt: now.Add(c.ttl), lastAccessed: now}
	if c.metrics != nil {
		c.metrics.CacheSize.Set(float64(len(c.entries)))
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLRU requires c.mu.
func (c *Cache) evictLRU() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastAccessed.Before(oldest) {
			oldestKey, oldest, first = k, e.lastAccessed, false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) record(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.CacheHits.Inc()
	} else {
		c.metrics.CacheMisses.Inc()
	}
	c.metrics.CacheSize.Set(float64(len(c.entries)))
}
