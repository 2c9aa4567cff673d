package relational

import (
	"context"
	"log"
	"sync"
	"time"
)

// Loader produces the current layout for a deployment from the backing
// catalog. The cache calls it on a miss.
type Loader func(ctx context.Context, conn Conn, deployment string) (*Layout, error)

type cacheEntry struct {
	layout  *Layout
	expires time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	return now.After(e.expires)
}

// LayoutCache caches layouts per deployment with a TTL. Readers never wait
// on a refresh: when an entry has expired and another refresh is already in
// flight, the stale layout is returned as is. A TTL of zero disables
// caching entirely and every Get loads fresh.
type LayoutCache struct {
	ttl           time.Duration
	sweepInterval time.Duration
	loader        Loader

	// mu guards entries and lastSweep. It is held only for map access,
	// never across a database call.
	mu        sync.Mutex
	entries   map[string]cacheEntry
	lastSweep time.Time

	// refresh serializes layout refreshes. It is tried, never waited on,
	// so a slow refresh cannot stall other readers.
	refresh sync.Mutex
}

// NewLayoutCache creates a cache whose entries stay fresh for ttl and whose
// dead entries are swept at most once per sweepInterval.
func NewLayoutCache(ttl, sweepInterval time.Duration, loader Loader) *LayoutCache {
	return &LayoutCache{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		loader:        loader,
		entries:       make(map[string]cacheEntry),
	}
}

// Get returns the layout for deployment, loading it through the cache's
// loader if it is not cached. An expired entry triggers a refresh unless
// one is already running, in which case the stale layout is returned; a
// failed refresh is logged and the stale layout is re-cached with a bumped
// expiry so the failure is not retried on every call.
func (c *LayoutCache) Get(ctx context.Context, conn Conn, deployment string) (*Layout, error) {
	now := time.Now()
	c.sweep(now)

	c.mu.Lock()
	entry, ok := c.entries[deployment]
	c.mu.Unlock()

	if !ok {
		layout, err := c.loader(ctx, conn, deployment)
		if err != nil {
			return nil, err
		}
		c.cache(deployment, layout, now)
		return layout, nil
	}
	if !entry.expired(now) {
		return entry.layout, nil
	}

	if !c.refresh.TryLock() {
		// Another refresh is in flight; stale is better than waiting.
		return entry.layout, nil
	}
	defer c.refresh.Unlock()

	layout, err := entry.layout.Refresh(ctx, conn)
	if err != nil {
		log.Printf("[CACHE] layout refresh failed for %s, serving stale entry: %v", deployment, err)
		c.cache(deployment, entry.layout, now)
		return entry.layout, nil
	}
	c.cache(deployment, layout, now)
	return layout, nil
}

// Find returns the cached layout for deployment without ever touching the
// database; callers that must not trigger I/O use this instead of Get.
func (c *LayoutCache) Find(deployment string) (*Layout, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[deployment]
	if !ok {
		return nil, false
	}
	return entry.layout, true
}

// Remove evicts the deployment's entry, if any.
func (c *LayoutCache) Remove(deployment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, deployment)
}

func (c *LayoutCache) cache(deployment string, layout *Layout, now time.Time) {
	if c.ttl <= 0 || !layout.IsCacheable() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[deployment] = cacheEntry{layout: layout, expires: now.Add(c.ttl)}
}

// sweep drops entries that expired more than one full TTL ago. The grace
// period keeps entries with bursty access patterns from being evicted
// between bursts. Sweeps run at most once per sweep interval.
func (c *LayoutCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) < c.sweepInterval {
		return
	}
	c.lastSweep = now
	for deployment, entry := range c.entries {
		if now.After(entry.expires.Add(c.ttl)) {
			delete(c.entries, deployment)
		}
	}
}
