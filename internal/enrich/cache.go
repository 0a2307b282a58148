package enrich

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	defaultCacheSize = 1000
	defaultCacheTTL  = time.Hour
)

type cacheEntry struct {
	key      string
	value    string
	storedAt time.Time
}

// ResultCache memoizes inference results for an exact (prompt template, row
// payload) pair. The payload digest covers structured fields and computed
// cell values, so recomputing an upstream column invalidates dependents.
// Entries expire after the TTL and the cache is bounded: inserting into a
// full cache evicts the oldest-inserted entry first.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []string
	maxSize int
	ttl     time.Duration

	now func() time.Time
}

// NewResultCache creates a cache bounded at maxSize entries with the given
// TTL. Non-positive arguments fall back to 1000 entries and one hour.
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &ResultCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Key derives the deterministic digest for a prompt template and row payload.
func (c *ResultCache) Key(prompt string, row *Row) string {
	payload, _ := json.Marshal(row.snapshot())
	sum := sha256.Sum256(append([]byte(prompt+"::"), payload...))
	return fmt.Sprintf("%x", sum)
}

// Get returns the cached value for the prompt and payload, or ok=false on a
// miss. Expired entries are removed on lookup.
func (c *ResultCache) Get(prompt string, row *Row) (string, bool) {
	key := c.Key(prompt, row)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}

	if c.now().Sub(entry.storedAt) > c.ttl {
		c.remove(key)
		return "", false
	}

	return entry.value, true
}

// Set stores the value, evicting the oldest-inserted entry when full.
func (c *ResultCache) Set(prompt string, row *Row, value string) {
	key := c.Key(prompt, row)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.remove(key)
	}

	if len(c.order) >= c.maxSize {
		c.remove(c.order[0])
	}

	c.entries[key] = &cacheEntry{key: key, value: value, storedAt: c.now()}
	c.order = append(c.order, key)
}

// Len reports the current entry count, expired entries included.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = c.order[:0]
}

// remove deletes an entry and its insertion-order slot. Callers must hold mu.
func (c *ResultCache) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
