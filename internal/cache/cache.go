// Package cache implements the TTL-aware resolution cache, including
// negative caching of confirmed-unavailable results.
package cache

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lucasvieira/streamfinder/internal/models"
	"github.com/lucasvieira/streamfinder/internal/util"
)

// Entry is one resolved (or confirmed-unavailable) result for a
// (ContentKey, provider) pair. Entries are immutable once stored; expiry
// produces a new entry on the next resolution, never an in-place update.
type Entry struct {
	Key       models.ContentKey
	Provider  string
	StreamURL string
	SourceURL string
	Referer   string
	Subtitles []models.SubtitleRef
	CreatedAt time.Time
	TTL       time.Duration
	Negative  bool
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

func partition(key models.ContentKey, provider string) string {
	return provider + "|" + key.String()
}

// TTLPolicy holds the three TTL classes. Negative entries live an order of
// magnitude longer than positive VOD entries: re-checking a confirmed
// "unavailable" means paying the browser-automation cost again.
type TTLPolicy struct {
	VOD      time.Duration
	Live     time.Duration
	Negative time.Duration
}

// Positive picks the TTL for a positive entry given the playlist maturity.
func (p TTLPolicy) Positive(vod bool) time.Duration {
	if vod {
		return p.VOD
	}
	return p.Live
}

// Cache is an in-memory TTL store with single-flight resolution. Safe for
// concurrent use. Eviction is lazy on read plus an opportunistic sweep on a
// small fraction of lookups; Sweep may also be driven externally on a
// schedule.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	group   singleflight.Group
	now     func() time.Time
	policy  TTLPolicy
	store   *Store
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects the time source, for deterministic TTL tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStore attaches a persistent snapshot store for negative entries.
// Surviving negatives are loaded immediately.
func WithStore(s *Store) Option {
	return func(c *Cache) { c.store = s }
}

// New creates a cache with the given TTL policy.
func New(policy TTLPolicy, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*Entry),
		now:     time.Now,
		policy:  policy,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store != nil {
		loaded, err := c.store.LoadNegatives()
		if err != nil {
			util.Warn("cache: loading negative snapshot failed", "error", err)
		}
		now := c.now()
		for _, e := range loaded {
			if !e.Expired(now) {
				c.entries[partition(e.Key, e.Provider)] = e
			}
		}
		if len(loaded) > 0 {
			util.Debug("cache: negative snapshot loaded", "entries", len(loaded))
		}
	}
	return c
}

// Policy returns the configured TTL classes.
func (c *Cache) Policy() TTLPolicy { return c.policy }

// Get returns the live entry for (key, provider), evicting it lazily when
// expired. Negative entries are returned like any other; callers check the
// Negative flag.
func (c *Cache) Get(key models.ContentKey, provider string) (*Entry, bool) {
	part := partition(key, provider)

	c.mu.RLock()
	e, ok := c.entries[part]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if e.Expired(c.now()) {
		c.mu.Lock()
		// Re-check under the write lock: a fresh entry may have landed.
		if cur, still := c.entries[part]; still && cur == e {
			delete(c.entries, part)
		}
		c.mu.Unlock()
		return nil, false
	}

	// Opportunistic sweep on a small fraction of reads.
	if rand.Intn(128) == 0 {
		go c.Sweep()
	}

	return e, true
}

// Put stores an entry, replacing whatever sits in its partition. Negative
// entries also go to the snapshot store when one is attached.
func (c *Cache) Put(e *Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	part := partition(e.Key, e.Provider)

	c.mu.Lock()
	c.entries[part] = e
	c.mu.Unlock()

	if e.Negative && c.store != nil {
		if err := c.store.SaveNegative(e); err != nil {
			util.Warn("cache: negative snapshot write failed", "partition", part, "error", err)
		}
	}
}

// Invalidate drops the entry for (key, provider), if any. Used when a
// downstream fetch through the proxy fails with a permanent status.
func (c *Cache) Invalidate(key models.ContentKey, provider string) {
	part := partition(key, provider)

	c.mu.Lock()
	_, had := c.entries[part]
	delete(c.entries, part)
	c.mu.Unlock()

	if c.store != nil {
		_ = c.store.Delete(part)
	}
	if had {
		util.Debug("cache: invalidated", "partition", part)
	}
}

// InvalidateAll drops every entry for the content key across providers.
func (c *Cache) InvalidateAll(key models.ContentKey) {
	suffix := "|" + key.String()

	c.mu.Lock()
	for part := range c.entries {
		if len(part) > len(suffix) && part[len(part)-len(suffix):] == suffix {
			delete(c.entries, part)
			if c.store != nil {
				_ = c.store.Delete(part)
			}
		}
	}
	c.mu.Unlock()
}

// Do is the single-flight resolution path. On a hit the entry is returned
// with fromCache true. On a miss, concurrent callers for the same
// (key, provider) share one invocation of resolve; its result (success or
// failure) is handed to all of them. A successful resolve is stored before
// return.
func (c *Cache) Do(ctx context.Context, key models.ContentKey, provider string,
	resolve func(context.Context) (*Entry, error)) (*Entry, bool, error) {

	if e, ok := c.Get(key, provider); ok {
		return e, true, nil
	}

	part := partition(key, provider)
	v, err, _ := c.group.Do(part, func() (interface{}, error) {
		// A racing caller may have stored an entry between our Get and the
		// flight start.
		if e, ok := c.Get(key, provider); ok {
			return e, nil
		}
		e, err := resolve(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(e)
		return e, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Entry), false, nil
}

// Sweep removes every expired entry and returns how many were dropped.
// Cadence is a memory bound, not a correctness requirement.
func (c *Cache) Sweep() int {
	now := c.now()
	var dropped int

	c.mu.Lock()
	for part, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, part)
			dropped++
		}
	}
	c.mu.Unlock()

	if dropped > 0 {
		util.Debug("cache: sweep", "dropped", dropped)
	}
	return dropped
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
