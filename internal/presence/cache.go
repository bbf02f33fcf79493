package presence

import (
	"sync"
	"time"
)

const (
	defaultDebounce = 30 * time.Second
	defaultTTL      = 5 * time.Minute
	cleanupEvery    = 5 * time.Minute
)

type cacheEntry struct {
	lastSentAt int64
	expiresAt  int64
}

// ActivityCache debounces heartbeat bursts so that at most one presence
// write per entity reaches the durable path per debounce window. It is
// process-local and advisory only: losing it causes redundant writes, never
// incorrect ones.
type ActivityCache struct {
	mu       sync.Mutex
	sessions map[string]*cacheEntry
	machines map[string]*cacheEntry

	debounce time.Duration
	ttl      time.Duration

	nextCleanupAt int64
	now           func() int64
}

func NewActivityCache() *ActivityCache {
	return NewActivityCacheWithDebounce(defaultDebounce)
}

func NewActivityCacheWithDebounce(debounce time.Duration) *ActivityCache {
	return &ActivityCache{
		sessions: make(map[string]*cacheEntry),
		machines: make(map[string]*cacheEntry),
		debounce: debounce,
		ttl:      defaultTTL,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// QueueSessionUpdate reports whether this heartbeat should be persisted:
// true only when enough wall-clock time has elapsed since the last update
// that was actually sent for this session. It never advances the sent
// watermark; MarkSessionUpdateSent does, after a successful publish.
func (c *ActivityCache) QueueSessionUpdate(sessionID, accountID string, ts int64) bool {
	return c.queue(c.sessions, sessionKey(sessionID, accountID), ts)
}

func (c *ActivityCache) MarkSessionUpdateSent(sessionID, accountID string, ts int64) {
	c.markSent(c.sessions, sessionKey(sessionID, accountID), ts)
}

func (c *ActivityCache) QueueMachineUpdate(machineID, accountID string, ts int64) bool {
	return c.queue(c.machines, sessionKey(machineID, accountID), ts)
}

func (c *ActivityCache) MarkMachineUpdateSent(machineID, accountID string, ts int64) {
	c.markSent(c.machines, sessionKey(machineID, accountID), ts)
}

func sessionKey(id, accountID string) string { return id + ":" + accountID }

func (c *ActivityCache) queue(entries map[string]*cacheEntry, key string, ts int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.maybeCleanup(now)

	entry, ok := entries[key]
	if !ok {
		entries[key] = &cacheEntry{expiresAt: now + c.ttl.Milliseconds()}
		return true
	}
	entry.expiresAt = now + c.ttl.Milliseconds()
	return ts-entry.lastSentAt >= c.debounce.Milliseconds()
}

func (c *ActivityCache) markSent(entries map[string]*cacheEntry, key string, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := entries[key]
	if !ok {
		entry = &cacheEntry{}
		entries[key] = entry
	}
	if ts > entry.lastSentAt {
		entry.lastSentAt = ts
	}
	entry.expiresAt = c.now() + c.ttl.Milliseconds()
}

func (c *ActivityCache) maybeCleanup(now int64) {
	if c.nextCleanupAt != 0 && now < c.nextCleanupAt {
		return
	}
	c.nextCleanupAt = now + cleanupEvery.Milliseconds()
	for key, entry := range c.sessions {
		if entry.expiresAt <= now {
			delete(c.sessions, key)
		}
	}
	for key, entry := range c.machines {
		if entry.expiresAt <= now {
			delete(c.machines, key)
		}
	}
}

// SetClock overrides the cache's time source, for tests.
func (c *ActivityCache) SetClock(now func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
