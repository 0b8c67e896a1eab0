// Package ratelimit gates inbound datagrams per source address with lazily
// refilled token buckets. It runs before decoding: it protects the engine
// from floods, not from malformed traffic.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// shardCount spreads buckets over independent locks so contention tracks
// the number of distinct sources, not total packet rate.
const shardCount = 16

// idleEvictAfter is how long a full, untouched bucket survives before the
// sweep reclaims it.
const idleEvictAfter = 10 * time.Minute

// Config tunes the admission gate. Zero values select the defaults.
type Config struct {
	// MaxTokens is the burst size per source (default 50).
	MaxTokens float64 `yaml:"max_tokens"`

	// RefillRate is tokens restored per second (default 5).
	RefillRate float64 `yaml:"refill_rate"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxTokens: 50, RefillRate: 5}
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

type shard struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// Limiter is the per-source token bucket gate.
type Limiter struct {
	maxTokens  float64
	refillRate float64
	now        func() time.Time

	shards [shardCount]*shard

	allowed atomic.Uint64
	denied  atomic.Uint64
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 50
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 5
	}

	l := &Limiter{
		maxTokens:  cfg.MaxTokens,
		refillRate: cfg.RefillRate,
		now:        time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Allow consumes one token for the source address, refilling the bucket
// proportionally to the time elapsed since its last refill. It returns
// false when less than one token is available.
func (l *Limiter) Allow(addr string) bool {
	now := l.now()
	sh := l.shard(addr)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.sweep(now)

	b, ok := sh.buckets[addr]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: now}
		sh.buckets[addr] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens = min(l.maxTokens, b.tokens+elapsed*l.refillRate)
			b.lastRefill = now
		}
	}

	if b.tokens < 1 {
		l.denied.Add(1)
		return false
	}
	b.tokens--
	l.allowed.Add(1)
	return true
}

func (l *Limiter) shard(addr string) *shard {
	h := fnv.New32a()
	h.Write([]byte(addr))
	return l.shards[h.Sum32()%shardCount]
}

// sweep drops buckets idle long enough to have refilled completely; they
// carry no state a fresh bucket would not.
func (sh *shard) sweep(now time.Time) {
	if now.Sub(sh.lastSweep) < idleEvictAfter {
		return
	}
	sh.lastSweep = now
	for addr, b := range sh.buckets {
		if now.Sub(b.lastRefill) >= idleEvictAfter {
			delete(sh.buckets, addr)
		}
	}
}

// Stats holds limiter counters.
type Stats struct {
	Allowed uint64 `json:"allowed"`
	Denied  uint64 `json:"denied"`
	Sources int    `json:"sources"`
}

// GetStats returns a snapshot of the limiter counters.
func (l *Limiter) GetStats() Stats {
	sources := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		sources += len(sh.buckets)
		sh.mu.Unlock()
	}
	return Stats{
		Allowed: l.allowed.Load(),
		Denied:  l.denied.Load(),
		Sources: sources,
	}
}
