package ingest

import "time"

// ttlCache maps an event id to the time it was recorded. Entries expire after
// ttl and the oldest entry is evicted once maxEntries is reached. Not safe for
// concurrent use.
type ttlCache struct {
	ttl        time.Duration
	maxEntries int
	entries    map[string]time.Time
}

func newTTLCache(ttl time.Duration, maxEntries int) *ttlCache {
	return &ttlCache{ttl: ttl, maxEntries: maxEntries, entries: make(map[string]time.Time)}
}

func (c *ttlCache) has(id string, now time.Time) bool {
	at, ok := c.entries[id]
	if !ok {
		return false
	}
	if now.Sub(at) >= c.ttl {
		delete(c.entries, id)
		return false
	}
	return true
}

func (c *ttlCache) put(id string, now time.Time) {
	if _, ok := c.entries[id]; !ok && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.prune(now)
		if len(c.entries) >= c.maxEntries {
			c.evictOldest()
		}
	}
	c.entries[id] = now
}

func (c *ttlCache) prune(now time.Time) {
	for id, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, id)
		}
	}
}

func (c *ttlCache) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, at := range c.entries {
		if oldestID == "" || at.Before(oldest) {
			oldestID, oldest = id, at
		}
	}
	delete(c.entries, oldestID)
}

func (c *ttlCache) size() int { return len(c.entries) }
