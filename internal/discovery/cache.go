package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const evictBatch = 10

// CacheEntry is a cached lookup result with the tags it depends on.
type CacheEntry struct {
	Key       string
	Data      interface{}
	Timestamp time.Time
	Tags      []string
}

// Cache is a TTL cache with tag-based invalidation. Entries expire on read;
// when full, the oldest entries by insertion time are evicted in bulk.
type Cache struct {
	entries map[string]*CacheEntry
	tags    map[string]map[string]struct{}
	maxSize int
	ttl     time.Duration
	clock   clock.Clock
	mu      sync.Mutex
}

func NewCache(maxSize int, ttl time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		entries: make(map[string]*CacheEntry),
		tags:    make(map[string]map[string]struct{}),
		maxSize: maxSize,
		ttl:     ttl,
		clock:   clk,
	}
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	if c.clock.Now().Sub(entry.Timestamp) > c.ttl {
		c.removeLocked(key)
		return nil, false
	}
	return entry.Data, true
}

// Set stores data under key. Invalidating any of tags later removes it.
func (c *Cache) Set(key string, data interface{}, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.removeLocked(key)
	} else if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldestLocked(evictBatch)
	}

	c.entries[key] = &CacheEntry{
		Key:       key,
		Data:      data,
		Timestamp: c.clock.Now(),
		Tags:      tags,
	}
	for _, tag := range tags {
		keys, ok := c.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// InvalidateTags removes every entry carrying at least one of tags and
// returns how many entries were removed.
func (c *Cache) InvalidateTags(tags ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, tag := range tags {
		for key := range c.tags[tag] {
			c.removeLocked(key)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CacheEntry)
	c.tags = make(map[string]map[string]struct{})
}

func (c *Cache) removeLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for _, tag := range entry.Tags {
		if keys, ok := c.tags[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

func (c *Cache) evictOldestLocked(n int) {
	oldest := make([]*CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		oldest = append(oldest, entry)
	}
	sort.Slice(oldest, func(i, j int) bool {
		return oldest[i].Timestamp.Before(oldest[j].Timestamp)
	})
	if n > len(oldest) {
		n = len(oldest)
	}
	for _, entry := range oldest[:n] {
		c.removeLocked(entry.Key)
	}
}
