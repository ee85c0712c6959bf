// Package cache provides the TTL-aware result cache used by the LinkID client.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// DefaultTTL is used when neither the caller nor the server supplies a TTL.
const DefaultTTL = time.Hour

// DefaultMaxEntries bounds the cache when no explicit capacity is configured.
const DefaultMaxEntries = 1000

// Config configures a memory cache.
type Config struct {
	Enabled    bool          // Enable caching
	MaxEntries int           // Maximum cache entries (0 = unlimited)
	DefaultTTL time.Duration // TTL used when Set is called without one
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		MaxEntries: DefaultMaxEntries,
		DefaultTTL: DefaultTTL,
	}
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hitRate"`
}

// Cache is a concurrency-safe key/value store with per-entry expiry.
type Cache[V any] interface {
	// Get returns the value for key. Expired entries are removed and reported as a miss.
	Get(key string) (V, bool)

	// Set stores value under key. A non-positive ttl selects the configured default.
	Set(key string, value V, ttl time.Duration)

	// Delete removes every key matching pattern, where '*' matches any run of
	// characters. It returns the number of removed entries.
	Delete(pattern string) int

	// Clear removes all entries and resets the hit/miss counters.
	Clear()

	// Stats reports hits, misses and the current size.
	Stats() Stats
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Memory is an in-memory Cache. When MaxEntries is reached the oldest inserted
// entry is evicted; reads do not refresh an entry's position, so this is FIFO
// rather than LRU.
type Memory[V any] struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	defaultTTL time.Duration
	hits       uint64
	misses     uint64
	now        func() time.Time
}

// NewMemory creates a new in-memory cache.
func NewMemory[V any](config Config) *Memory[V] {
	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory[V]{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: config.MaxEntries,
		defaultTTL: ttl,
		now:        time.Now,
	}
}

// Get retrieves a cached value.
func (c *Memory[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}

	e := elem.Value.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		c.removeElement(elem)
		c.misses++
		return zero, false
	}

	c.hits++
	return e.value, true
}

// Set stores a value in the cache.
func (c *Memory[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	c.entries[key] = c.order.PushBack(&entry[V]{
		key:       key,
		value:     value,
		expiresAt: c.now().Add(ttl),
	})
}

// Delete removes all entries whose key matches pattern.
func (c *Memory[V]) Delete(pattern string) int {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		// Not a valid glob; fall back to an exact key match.
		matcher = exactMatcher(pattern)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.entries {
		if matcher.Match(key) {
			c.removeElement(elem)
			removed++
		}
	}
	return removed
}

// Clear removes all cached values.
func (c *Memory[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.hits = 0
	c.misses = 0
	c.mu.Unlock()
}

// Stats returns the current cache statistics.
func (c *Memory[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:   c.hits,
		Misses: c.misses,
		Size:   len(c.entries),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// String implements fmt.Stringer for debug logging.
func (c *Memory[V]) String() string {
	s := c.Stats()
	return fmt.Sprintf("cache(size=%d hits=%d misses=%d)", s.Size, s.Hits, s.Misses)
}

// evictOldest removes the front of the insertion order. Must be called with lock held.
func (c *Memory[V]) evictOldest() {
	if front := c.order.Front(); front != nil {
		c.removeElement(front)
	}
}

// removeElement must be called with lock held.
func (c *Memory[V]) removeElement(elem *list.Element) {
	e := c.order.Remove(elem).(*entry[V])
	delete(c.entries, e.key)
}

type exactMatcher string

func (m exactMatcher) Match(s string) bool { return string(m) == s }

// Noop is a Cache that never stores anything, used when caching is disabled.
type Noop[V any] struct{}

func (Noop[V]) Get(string) (V, bool) {
	var zero V
	return zero, false
}
func (Noop[V]) Set(string, V, time.Duration) {}
func (Noop[V]) Delete(string) int            { return 0 }
func (Noop[V]) Clear()                       {}
func (Noop[V]) Stats() Stats                 { return Stats{} }

// Ensure implementations satisfy Cache.
var (
	_ Cache[string] = (*Memory[string])(nil)
	_ Cache[string] = Noop[string]{}
)
