package peergraph

import (
	"container/list"
	"sync"
	"time"
)

// MissCache remembers souls the graph answered 404 for, so repeated
// lookups of the same missing soul stay off the network. Entries expire
// after a TTL; at capacity the oldest insertion is evicted (FIFO).
type MissCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = oldest insertion
	ttl     time.Duration
	maxSize int

	hits      int64
	misses    int64
	evictions int64
}

type missEntry struct {
	soul      string
	expiresAt time.Time
}

// NewMissCache creates a miss cache with the given TTL and capacity.
func NewMissCache(ttl time.Duration, maxSize int) *MissCache {
	return &MissCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Mark records that soul is missing from the graph.
func (c *MissCache) Mark(soul string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[soul]; ok {
		el.Value.(*missEntry).expiresAt = time.Now().Add(c.ttl)
		return
	}
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*missEntry).soul)
			c.evictions++
		}
	}
	c.entries[soul] = c.order.PushBack(&missEntry{
		soul:      soul,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// IsMissing reports whether soul is known-missing and not expired.
func (c *MissCache) IsMissing(soul string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[soul]
	if !ok {
		c.misses++
		return false
	}
	if time.Now().After(el.Value.(*missEntry).expiresAt) {
		c.order.Remove(el)
		delete(c.entries, soul)
		c.misses++
		return false
	}
	c.hits++
	return true
}

// Forget removes a soul, e.g. after a successful put to it.
func (c *MissCache) Forget(soul string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[soul]; ok {
		c.order.Remove(el)
		delete(c.entries, soul)
	}
}

// Sweep drops expired entries and returns how many were removed.
func (c *MissCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*missEntry)
		if now.After(entry.expiresAt) {
			c.order.Remove(el)
			delete(c.entries, entry.soul)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of cached misses.
func (c *MissCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss/eviction counters.
func (c *MissCache) Stats() (hits, misses, evictions int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}
