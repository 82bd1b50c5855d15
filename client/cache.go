package client

import (
	"strings"
	"sync"
	"time"
)

// ResponseCache stores raw response payloads keyed by request path+query.
// Expired entries read as misses and are evicted lazily. The data controller
// layer relies on ClearPrefix to guarantee a true network round-trip before a
// forced refetch.
type ResponseCache struct {
	mu    sync.RWMutex
	items map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

// DefaultCacheTTL is the response cache time-to-live when none is configured.
const DefaultCacheTTL = 5 * time.Minute

// NewResponseCache creates a cache with the given default TTL.
// A zero ttl falls back to DefaultCacheTTL.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResponseCache{
		items: make(map[string]cacheEntry),
		ttl:   ttl,
	}
}

// Get returns the cached payload for key, or nil and false on a miss.
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a Set may have raced in.
		if cur, ok := c.items[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.payload, true
}

// Set stores payload under key with the default TTL.
func (c *ResponseCache) Set(key string, payload []byte) {
	c.SetWithTTL(key, payload, c.ttl)
}

// SetWithTTL stores payload under key with an explicit TTL.
func (c *ResponseCache) SetWithTTL(key string, payload []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheEntry{
		payload:   payload,
		expiresAt: time.Now().Add(ttl),
	}
}

// ClearPrefix drops every entry whose key starts with prefix and returns the
// number of entries removed.
func (c *ResponseCache) ClearPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]cacheEntry)
}

// Len returns the number of stored entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
