// Package cache keeps finished vectorization results keyed by fingerprint,
// bounded by entry count, total size and age.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/robmcdonald5/vec2art-sub009/internal/fingerprint"
)

var ErrEntryTooLarge = errors.New("cache: entry exceeds byte budget")

const (
	DefaultMaxEntries = 128
	DefaultMaxBytes   = 256 << 20
	DefaultTTL        = 30 * time.Minute
)

// Options bounds the cache. Zero values take the defaults.
type Options struct {
	MaxEntries int
	MaxBytes   int64
	TTL        time.Duration
	Now        func() time.Time
}

func (o *Options) normalize() {
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Entry is one cached result. Get returns a snapshot; Result is shared.
type Entry[V any] struct {
	Fingerprint fingerprint.Key
	Result      V
	SizeBytes   int64
	CreatedAt   time.Time
	LastHitAt   time.Time
	HitCount    int64
}

// Stats are cumulative counters plus current occupancy.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Rejected    int64 `json:"rejected"`
	Entries     int   `json:"entries"`
	Bytes       int64 `json:"bytes"`
}

// HitRatio is hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is an LRU-by-last-hit store with lazy TTL expiry. Every operation
// holds one lock, so gets and puts on a key are linearizable.
type Cache[V any] struct {
	mu    sync.Mutex
	opts  Options
	lru   *simplelru.LRU[fingerprint.Key, *Entry[V]]
	bytes int64
	stats Stats
}

func New[V any](opts Options) *Cache[V] {
	opts.normalize()
	c := &Cache[V]{opts: opts}
	lru, err := simplelru.NewLRU[fingerprint.Key, *Entry[V]](opts.MaxEntries, c.onEvict)
	if err != nil {
		// only returned for a non-positive size, which normalize rules out
		panic(err)
	}
	c.lru = lru
	return c
}

func (c *Cache[V]) onEvict(_ fingerprint.Key, e *Entry[V]) {
	c.bytes -= e.SizeBytes
}

// Get returns the entry for key when it is younger than the TTL. A hit
// refreshes recency and bumps HitCount. Expired entries are dropped.
func (c *Cache[V]) Get(key fingerprint.Key) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++
		return Entry[V]{}, false
	}
	now := c.opts.Now()
	if now.Sub(e.CreatedAt) >= c.opts.TTL {
		c.lru.Remove(key)
		c.stats.Expirations++
		c.stats.Misses++
		return Entry[V]{}, false
	}
	e.LastHitAt = now
	e.HitCount++
	c.stats.Hits++
	return *e, true
}

// Peek reads an entry without touching recency, hit counters or expiry.
func (c *Cache[V]) Peek(key fingerprint.Key) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(key)
	if !ok {
		return Entry[V]{}, false
	}
	return *e, true
}

// Put stores result under key, evicting least recently hit entries until the
// byte and entry budgets hold. A result larger than the whole byte budget is
// not stored and ErrEntryTooLarge is returned. A second Put on the same key
// replaces the first.
func (c *Cache[V]) Put(key fingerprint.Key, result V, sizeBytes int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sizeBytes < 0 {
		sizeBytes = 0
	}
	if sizeBytes > c.opts.MaxBytes {
		c.stats.Rejected++
		return ErrEntryTooLarge
	}

	if old, ok := c.lru.Peek(key); ok {
		c.bytes -= old.SizeBytes
	}
	now := c.opts.Now()
	e := &Entry[V]{
		Fingerprint: key,
		Result:      result,
		SizeBytes:   sizeBytes,
		CreatedAt:   now,
		LastHitAt:   now,
	}
	if evicted := c.lru.Add(key, e); evicted {
		c.stats.Evictions++
	}
	c.bytes += sizeBytes

	for c.bytes > c.opts.MaxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.stats.Evictions++
	}
	return nil
}

// Remove drops key if present.
func (c *Cache[V]) Remove(key fingerprint.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Purge drops every entry. Counters are kept.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.bytes = 0
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	s.Bytes = c.bytes
	return s
}
