package governance

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// TTLClass names a family of cached data that shares a freshness window.
type TTLClass string

const (
	// ClassQuote is fast-moving market data.
	ClassQuote TTLClass = "quote"
	// ClassAnalytics is slower-changing derived data (fundamentals, risk).
	ClassAnalytics TTLClass = "analytics"
	// ClassHistorical is data that rarely changes once published.
	ClassHistorical TTLClass = "historical"
)

// DefaultTTLs returns the default freshness window per class.
func DefaultTTLs() map[TTLClass]time.Duration {
	return map[TTLClass]time.Duration{
		ClassQuote:      15 * time.Minute,
		ClassAnalytics:  time.Hour,
		ClassHistorical: 24 * time.Hour,
	}
}

const (
	defaultTTL         = 15 * time.Minute
	defaultLoadTimeout = 30 * time.Second
)

type cacheEntry struct {
	value    any
	storedAt time.Time
}

// Lookup is the result of a cache read.
type Lookup struct {
	Value    any
	Fresh    bool
	StoredAt time.Time
	Age      time.Duration
	// Cause is set by GetOrLoad when a stale value was served because the load failed.
	Cause error
}

// CacheStats exposes cache counters.
type CacheStats struct {
	Hits             int64 `json:"hits"`
	Misses           int64 `json:"misses"`
	ExpiredFallbacks int64 `json:"expired_fallbacks"`
	Entries          int   `json:"entries"`
}

// TTLCache is a per-integration cache whose entries never disappear on read:
// once a key has been written, reads past the TTL return the old value marked
// stale until a fresh Put replaces it.
type TTLCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttls    map[TTLClass]time.Duration
	flight  singleflight.Group

	// loadTimeout bounds a shared load, which outlives any single caller.
	loadTimeout time.Duration

	hits             atomic.Int64
	misses           atomic.Int64
	expiredFallbacks atomic.Int64

	now func() time.Time
}

// NewTTLCache creates a cache with the given TTL table. Missing classes use DefaultTTLs.
func NewTTLCache(ttls map[TTLClass]time.Duration) *TTLCache {
	table := DefaultTTLs()
	for class, ttl := range ttls {
		if ttl > 0 {
			table[class] = ttl
		}
	}
	return &TTLCache{
		entries:     make(map[string]cacheEntry),
		ttls:        table,
		loadTimeout: defaultLoadTimeout,
		now:         time.Now,
	}
}

// Key builds a composite request signature from parts.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}

// TTL returns the freshness window for class.
func (c *TTLCache) TTL(class TTLClass) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ttl, ok := c.ttls[class]; ok {
		return ttl
	}
	return defaultTTL
}

// SetTTLs replaces TTL values for the given classes.
func (c *TTLCache) SetTTLs(ttls map[TTLClass]time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for class, ttl := range ttls {
		if ttl > 0 {
			c.ttls[class] = ttl
		}
	}
}

// Get reads key. ok is false only when key was never written.
// Fresh hits count as hits, true misses as misses; stale reads count nothing
// until the caller decides to use the value and calls MarkStaleUsed.
func (c *TTLCache) Get(key string, class TTLClass) (Lookup, bool) {
	lookup, ok := c.peek(key, class)
	switch {
	case !ok:
		c.misses.Add(1)
	case lookup.Fresh:
		c.hits.Add(1)
	}
	return lookup, ok
}

func (c *TTLCache) peek(key string, class TTLClass) (Lookup, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	ttl, known := c.ttls[class]
	c.mu.RUnlock()
	if !ok {
		return Lookup{}, false
	}
	if !known {
		ttl = defaultTTL
	}
	age := c.now().Sub(entry.storedAt)
	return Lookup{
		Value:    entry.value,
		Fresh:    age <= ttl,
		StoredAt: entry.storedAt,
		Age:      age,
	}, true
}

// Put stores value under key, replacing any previous value and resetting freshness.
func (c *TTLCache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, storedAt: c.now()}
}

// MarkStaleUsed records that a consumer chose to honour a stale read.
func (c *TTLCache) MarkStaleUsed() {
	c.expiredFallbacks.Add(1)
}

// GetOrLoad returns a fresh cached value or loads it, collapsing concurrent
// loads of the same key into one call. When the load fails and a stale value
// exists, the stale value is returned with Cause set and counted as used.
//
// The shared load runs detached from any caller's cancellation, bounded by the
// cache's load timeout. Each caller stops waiting when its own ctx is done and
// then gets the stale value if there is one, or ctx.Err().
func (c *TTLCache) GetOrLoad(ctx context.Context, key string, class TTLClass, load func(ctx context.Context) (any, error)) (Lookup, error) {
	if lookup, ok := c.Get(key, class); ok && lookup.Fresh {
		return lookup, nil
	}

	ch := c.flight.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.Put(key, v)
		return v, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		res.Err = ctx.Err()
	case res = <-ch:
	}
	if res.Err == nil {
		return Lookup{Value: res.Val, Fresh: true, StoredAt: c.now()}, nil
	}

	if stale, ok := c.peek(key, class); ok {
		c.MarkStaleUsed()
		stale.Cause = res.Err
		return stale, nil
	}
	return Lookup{}, res.Err
}

// Stats returns the current counters.
func (c *TTLCache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		ExpiredFallbacks: c.expiredFallbacks.Load(),
		Entries:          entries,
	}
}
