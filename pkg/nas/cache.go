package nas

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultCacheTTL is how long a positive lookup stays fresh.
const DefaultCacheTTL = 5 * time.Minute

// Cache is a read-through cache over a Directory. Positive results are
// cached for a fixed TTL; negative results are never cached, so a newly
// provisioned NAS becomes visible on its next packet. Expiry is checked
// lazily on read; there is no background eviction.
type Cache struct {
	dir    Directory
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry struct {
	rec       *Record
	expiresAt time.Time
}

// CacheStats holds cache observability counters.
type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Entries int     `json:"entries"`
}

// NewCache wraps dir with TTL caching. A non-positive ttl selects
// DefaultCacheTTL.
func NewCache(dir Directory, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		dir:     dir,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Resolve returns the NAS record for a packet source address.
func (c *Cache) Resolve(ctx context.Context, addr string) (*Record, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[addr]
	c.mu.RUnlock()

	if ok && entry.expiresAt.After(now) {
		c.hits.Add(1)
		return entry.rec, nil
	}

	c.misses.Add(1)

	rec, err := c.dir.FindByAddress(ctx, addr)
	if err != nil {
		if ok {
			// Drop the stale entry so the next packet retries the lookup.
			c.mu.Lock()
			delete(c.entries, addr)
			c.mu.Unlock()
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[addr] = cacheEntry{rec: rec, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	c.logger.Debug("NAS resolved",
		zap.String("addr", addr),
		zap.String("nas_id", rec.ID),
		zap.String("tenant_id", rec.TenantID),
	)

	return rec, nil
}

// FindByID passes through to the directory; disconnect dispatch is rare
// enough that it is not worth a second index.
func (c *Cache) FindByID(ctx context.Context, id string) (*Record, error) {
	return c.dir.FindByID(ctx, id)
}

// Stats returns hit/miss counters and the derived hit rate.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}

	return CacheStats{Hits: hits, Misses: misses, HitRate: rate, Entries: entries}
}
