package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryCache implements Cache with a mutex-guarded map and lazy expiry.
// It is the default when no REDIS_URL is configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the value for key if present and unexpired
func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores a value with an optional TTL (ttl <= 0 means no expiry)
func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// Del removes a key
func (c *MemoryCache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Incr increments a counter key, setting the TTL on first increment
func (c *MemoryCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int64
	e, ok := c.entries[key]
	if ok && (e.expiresAt.IsZero() || c.now().Before(e.expiresAt)) {
		n, _ = strconv.ParseInt(e.value, 10, 64)
	}
	n++
	next := memoryEntry{value: strconv.FormatInt(n, 10)}
	if ok && !e.expiresAt.IsZero() && c.now().Before(e.expiresAt) {
		next.expiresAt = e.expiresAt
	} else if ttl > 0 {
		next.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = next
	return n, nil
}

// Close releases nothing for the in-memory cache
func (c *MemoryCache) Close() error {
	return nil
}
