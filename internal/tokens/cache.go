package tokens

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("token cache miss")

// Cache persists token sets with a TTL so a restarted process can reuse a
// recently fetched set. Caches are advisory; the identity provider remains
// the source of truth.
type Cache interface {
	Get(ctx context.Context, key string) (*Set, error)
	Put(ctx context.Context, key string, set *Set, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	set       *Set
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with per-entry TTL.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Set, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, ErrCacheMiss
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, ErrCacheMiss
	}

	return entry.set.Clone(), nil
}

func (c *MemoryCache) Put(_ context.Context, key string, set *Set, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{set: set.Clone(), expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
