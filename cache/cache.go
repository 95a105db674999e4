// Package cache memoises generated section text by content fingerprint. A
// local in-process tier is always present; an optional shared tier (Redis or
// a NATS JetStream KV bucket) sits behind it. Shared-tier failures are logged
// and treated as misses, so the local tier serves alone when the shared store
// is down.
package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360studio/envdraft/metrics"
)

// Defaults for the generation cache.
const (
	DefaultTTL      = 24 * time.Hour
	DefaultCapacity = 1024
)

// Origin says where GetOrCompute's result came from.
type Origin string

const (
	// OriginCache means the text was read from a tier.
	OriginCache Origin = "cache"
	// OriginComputed means this caller ran compute.
	OriginComputed Origin = "computed"
	// OriginShared means this caller joined another caller's computation.
	OriginShared Origin = "shared"
)

// Computed is the result of a compute function. Only Cacheable results are
// written; Value carries caller-defined detail to joiners of the same flight.
type Computed struct {
	Text      string
	Cacheable bool
	Value     any
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hit_count"`
	Misses int64 `json:"miss_count"`
}

// Cache is the two-tier generation cache.
type Cache struct {
	local   *LocalTier
	shared  Tier
	ttl     time.Duration
	flight  singleflight.Group
	hits    atomic.Int64
	misses  atomic.Int64
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithShared adds a shared tier behind the local one.
func WithShared(t Tier) Option {
	return func(c *Cache) {
		c.shared = t
	}
}

// WithTTL sets the entry lifetime counted from write.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMetrics records lookups on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source for entry timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
		c.local.now = now
	}
}

// New creates a cache whose local tier holds at most capacity entries.
func New(capacity int, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		local:  NewLocalTier(capacity),
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get looks key up in the local tier, then the shared tier. A shared hit is
// copied into the local tier.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	e, ok := c.lookup(ctx, key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return e, ok
}

func (c *Cache) lookup(ctx context.Context, key string) (*Entry, bool) {
	if e, ok := c.read(ctx, c.local, key); ok {
		c.metrics.CacheLookup(c.local.Name(), true)
		return e, true
	}
	c.metrics.CacheLookup(c.local.Name(), false)

	if c.shared == nil {
		return nil, false
	}
	e, ok := c.read(ctx, c.shared, key)
	c.metrics.CacheLookup(c.shared.Name(), ok)
	if !ok {
		return nil, false
	}
	if remaining := e.ExpiresAt.Sub(c.now()); remaining > 0 || e.ExpiresAt.IsZero() {
		if data, err := encodeEntry(e); err == nil {
			_ = c.local.Set(ctx, key, data, remaining)
		}
	}
	return e, true
}

func (c *Cache) read(ctx context.Context, t Tier, key string) (*Entry, bool) {
	data, found, err := t.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Cache tier read failed",
			"tier", t.Name(),
			"key", key,
			"error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	e, err := decodeEntry(data)
	if err != nil {
		c.logger.Warn("Discarding unreadable cache entry",
			"tier", t.Name(),
			"key", key,
			"error", err)
		_ = t.Delete(ctx, key)
		return nil, false
	}
	if e.Expired(c.now()) {
		_ = t.Delete(ctx, key)
		return nil, false
	}
	return e, true
}

// Put writes text under key in both tiers. Empty text is ignored.
func (c *Cache) Put(ctx context.Context, key, text string) {
	if text == "" {
		return
	}
	now := c.now()
	e := &Entry{
		Text:      text,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
		Size:      len(text),
	}
	data, err := encodeEntry(e)
	if err != nil {
		c.logger.Warn("Cache entry encode failed", "key", key, "error", err)
		return
	}
	_ = c.local.Set(ctx, key, data, c.ttl)

	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn("Cache tier write failed",
			"tier", c.shared.Name(),
			"key", key,
			"error", err)
	}
}

// GetOrCompute returns the cached text for key or runs compute, sharing one
// computation among concurrent callers of the same key. compute runs detached
// from the caller's cancellation: a caller that gives up stops waiting, but
// the in-flight computation finishes and joiners still receive its result.
// Only Cacheable results are written.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (*Computed, error)) (*Computed, Origin, error) {
	if e, ok := c.Get(ctx, key); ok {
		return &Computed{Text: e.Text, Cacheable: true}, OriginCache, nil
	}

	detached := context.WithoutCancel(ctx)
	var led atomic.Bool
	ch := c.flight.DoChan(key, func() (any, error) {
		led.Store(true)
		// A previous flight may have written the entry between our miss and
		// acquiring the key.
		if e, ok := c.lookup(detached, key); ok {
			return &flightResult{computed: &Computed{Text: e.Text, Cacheable: true}, fromCache: true}, nil
		}
		res, err := compute(detached)
		if err != nil {
			return nil, err
		}
		if res != nil && res.Cacheable {
			c.Put(detached, key, res.Text)
		}
		return &flightResult{computed: res}, nil
	})

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, "", r.Err
		}
		fr := r.Val.(*flightResult)
		switch {
		case fr.fromCache:
			return fr.computed, OriginCache, nil
		case led.Load():
			return fr.computed, OriginComputed, nil
		default:
			return fr.computed, OriginShared, nil
		}
	}
}

type flightResult struct {
	computed  *Computed
	fromCache bool
}

// Invalidate deletes every key starting with prefix from both tiers and
// returns the number of local entries removed. An empty prefix clears the
// cache.
func (c *Cache) Invalidate(ctx context.Context, prefix string) int {
	keys, _ := c.local.ScanPrefix(ctx, prefix)
	for _, k := range keys {
		_ = c.local.Delete(ctx, k)
	}

	if c.shared != nil {
		shared, err := c.shared.ScanPrefix(ctx, prefix)
		if err != nil {
			c.logger.Warn("Cache tier scan failed",
				"tier", c.shared.Name(),
				"prefix", prefix,
				"error", err)
		}
		for _, k := range shared {
			if err := c.shared.Delete(ctx, k); err != nil {
				c.logger.Warn("Cache tier delete failed",
					"tier", c.shared.Name(),
					"key", k,
					"error", err)
			}
		}
	}

	c.logger.Info("Cache invalidated", "prefix", prefix, "removed", len(keys))
	return len(keys)
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	_ = c.local.Delete(ctx, key)
	if c.shared == nil {
		return
	}
	if err := c.shared.Delete(ctx, key); err != nil {
		c.logger.Warn("Cache tier delete failed",
			"tier", c.shared.Name(),
			"key", key,
			"error", err)
	}
}

// Stats returns the local size and the hit and miss counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Size:   c.local.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

// Close closes the shared tier.
func (c *Cache) Close() error {
	if c.shared == nil {
		return nil
	}
	return c.shared.Close()
}
