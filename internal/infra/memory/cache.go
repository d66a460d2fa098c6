package memory

import (
	"context"
	"sync"
	"time"
)

// Cache is an in-process TTL cache. Each key owns a timer that removes it on
// expiry; reads only check presence.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	value []byte
	timer *time.Timer
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// Set stores value under key, replacing any previous value and its timer.
// A non-positive ttl keeps the entry until it is deleted.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := &cacheEntry{value: append([]byte(nil), value...)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	if ttl > 0 {
		entry.timer = time.AfterFunc(ttl, func() { c.expire(key, entry) })
	}
	c.entries[key] = entry
	return nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (c *Cache) Has(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok, nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(c.entries, key)
	}
	return nil
}

func (c *Cache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(c.entries, key)
	}
	return nil
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// expire removes key only if it still maps to the entry whose timer fired, so a
// late timer cannot evict a newer value.
func (c *Cache) expire(key string, entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.entries[key]; ok && current == entry {
		delete(c.entries, key)
	}
}
