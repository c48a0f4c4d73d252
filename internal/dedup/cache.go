// Package dedup answers "has this alert already been fully processed?" with
// a bounded, file-backed fingerprint cache. Entries are evicted by age and,
// under size pressure, oldest-sighted first. An entry's presence is the sole
// authority for "already processed".
package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Limits bound the cache. Callers pass fully resolved values; cfg fills in
// defaults for anything unset in the pipeline file.
type Limits struct {
	MaxAge        time.Duration
	MaxBytes      int64
	SweepInterval time.Duration
}

// EvictionObserver receives eviction events, wired to Prometheus by main.
type EvictionObserver func(reason string, evicted int)

// Stats is a point-in-time snapshot for the cache stats endpoint.
type Stats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// Cache is the process-wide dedup state. All mutation is serialized behind
// one mutex; Claim/Record for a single fingerprint are linearizable, so two
// sightings of the same alert within one iteration resolve to exactly one
// dispatch.
type Cache struct {
	store  Store
	limits Limits
	logger log.Logger
	now    func() time.Time

	onEvict EvictionObserver

	mu         sync.Mutex
	entries    map[string]*Entry
	claims     map[string]struct{}
	totalBytes int64
	lastSweep  time.Time
}

// NewCache builds a cache over the given backing store. Call Load before
// trusting Contains.
func NewCache(store Store, limits Limits, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.Nop()
	}
	return &Cache{
		store:   store,
		limits:  limits,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*Entry),
		claims:  make(map[string]struct{}),
	}
}

// SetEvictionObserver wires an eviction callback. Must be called before the
// cache is shared across goroutines.
func (c *Cache) SetEvictionObserver(fn EvictionObserver) { c.onEvict = fn }

// Load reads the backing store, drops entries past max age, and reconciles
// total size. A corrupt or unreadable store is logged and the cache starts
// empty: alerts get reprocessed rather than the daemon refusing to start.
func (c *Cache) Load(ctx context.Context) {
	entries, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn(ctx, "dedup cache load failed, starting empty", "error", err)
		entries = make(map[string]*Entry)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	c.totalBytes = 0
	for _, e := range c.entries {
		c.totalBytes += e.SizeEstimate
	}
	now := c.now()
	c.sweepLocked(now)
	c.evictOverBudgetLocked()
	c.lastSweep = now
	c.logger.Info(ctx, "dedup cache loaded", "entries", len(c.entries), "bytes", c.totalBytes)
}

// Flush writes the current entries back to the backing store.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	snapshot := make(map[string]*Entry, len(c.entries))
	for fp, e := range c.entries {
		cp := *e
		snapshot[fp] = &cp
	}
	c.mu.Unlock()

	if err := c.store.Save(ctx, snapshot); err != nil {
		return &CacheIOError{Op: "flush", Err: err}
	}
	return nil
}

// Contains reports whether the fingerprint has been recorded. Pure lookup.
func (c *Cache) Contains(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[fp]
	return ok
}

// Claim atomically checks the fingerprint and, if unseen and unclaimed,
// reserves it for the caller. Exactly one concurrent caller wins; the others
// get false and treat the alert as a duplicate. A re-sighting of a recorded
// entry refreshes its last_seen_at.
func (c *Cache) Claim(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fp]; ok {
		e.LastSeenAt = c.now()
		return false
	}
	if _, ok := c.claims[fp]; ok {
		return false
	}
	c.claims[fp] = struct{}{}
	return true
}

// Release drops an unrecorded claim, used when processing is cancelled
// between claim and dispatch so the alert reprocesses next iteration.
func (c *Cache) Release(fp string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, fp)
}

// Record inserts or refreshes the entry for fp and clears any claim. If the
// size budget would be exceeded, entries are evicted in ascending
// last_seen_at order until the cache fits.
func (c *Cache) Record(fp string, sizeEstimate int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, fp)

	now := c.now()
	if e, ok := c.entries[fp]; ok {
		c.totalBytes += sizeEstimate - e.SizeEstimate
		e.SizeEstimate = sizeEstimate
		e.LastSeenAt = now
	} else {
		c.entries[fp] = &Entry{FirstSeenAt: now, LastSeenAt: now, SizeEstimate: sizeEstimate}
		c.totalBytes += sizeEstimate
	}
	c.evictOverBudgetLocked()
}

// MaybeSweep runs an age sweep if the sweep interval has elapsed.
func (c *Cache) MaybeSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.lastSweep) < c.limits.SweepInterval {
		return
	}
	c.sweepLocked(now)
	c.lastSweep = now
}

// Sweep evicts every entry older than max age, regardless of size pressure.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.lastSweep = now
	return c.sweepLocked(now)
}

// Stats snapshots entry count and total size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), TotalBytes: c.totalBytes}
}

func (c *Cache) sweepLocked(now time.Time) int {
	cutoff := now.Add(-c.limits.MaxAge)
	evicted := 0
	for fp, e := range c.entries {
		if e.LastSeenAt.Before(cutoff) {
			c.totalBytes -= e.SizeEstimate
			delete(c.entries, fp)
			evicted++
		}
	}
	if evicted > 0 && c.onEvict != nil {
		c.onEvict("age", evicted)
	}
	return evicted
}

func (c *Cache) evictOverBudgetLocked() {
	if c.totalBytes <= c.limits.MaxBytes {
		return
	}
	type aged struct {
		fp string
		e  *Entry
	}
	byAge := make([]aged, 0, len(c.entries))
	for fp, e := range c.entries {
		byAge = append(byAge, aged{fp, e})
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].e.LastSeenAt.Before(byAge[j].e.LastSeenAt)
	})

	evicted := 0
	for _, a := range byAge {
		if c.totalBytes <= c.limits.MaxBytes {
			break
		}
		c.totalBytes -= a.e.SizeEstimate
		delete(c.entries, a.fp)
		evicted++
	}
	if evicted > 0 && c.onEvict != nil {
		c.onEvict("size", evicted)
	}
}
