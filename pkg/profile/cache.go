package profile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/eshu/eshu/pkg/telemetry"
)

// DefaultTTL is how long a profile is trusted without re-probing.
const DefaultTTL = time.Hour

// Source probes the host.
type Source interface {
	Probe(ctx context.Context) *SystemProfile
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) *SystemProfile

// Probe implements Source.
func (f SourceFunc) Probe(ctx context.Context) *SystemProfile { return f(ctx) }

// Cache memoizes the system profile in memory and, optionally, on disk.
// Concurrent refreshes share one probe; readers always observe either the
// previous or the new profile, never a partial one.
type Cache struct {
	mu      sync.RWMutex
	current *SystemProfile

	source  Source
	store   Store
	group   singleflight.Group
	probes  atomic.Int64
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithStore persists profiles through store.
func WithStore(store Store) CacheOption {
	return func(c *Cache) { c.store = store }
}

// WithMetrics records probe and hit metrics.
func WithMetrics(m *telemetry.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a cache around a probe source.
func NewCache(source Source, logger zerolog.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		source: source,
		logger: logger.With().Str("component", "profile-cache").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the system profile. A profile younger than ttl is returned as
// is unless force is set; otherwise the host is probed once, even when many
// callers ask at the same time. A non-positive ttl always probes.
func (c *Cache) Get(ctx context.Context, force bool, ttl time.Duration) (*SystemProfile, error) {
	if !force {
		if p := c.Current(); p.FreshFor(ttl, c.now()) {
			c.metrics.RecordProfileCacheHit("memory")
			return p, nil
		}
		if p := c.loadPersisted(ttl); p != nil {
			c.metrics.RecordProfileCacheHit("disk")
			return p, nil
		}
	}

	v, err, _ := c.group.Do("probe", func() (interface{}, error) {
		return c.refresh(ctx, ttl)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SystemProfile), nil
}

// Current returns the published profile without probing. It may be nil.
func (c *Cache) Current() *SystemProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Invalidate drops the in-memory and persisted profile.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Remove(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to remove persisted profile")
		}
	}
}

// Probes returns how many full probes have run.
func (c *Cache) Probes() int64 {
	return c.probes.Load()
}

func (c *Cache) refresh(ctx context.Context, ttl time.Duration) (*SystemProfile, error) {
	start := c.now()
	p := c.source.Probe(ctx)
	c.probes.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("profile probe returned nothing")
	}
	p.TTL = ttl
	c.metrics.RecordProfileProbe(c.now().Sub(start))

	if c.store != nil {
		if err := c.store.Save(p); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to persist profile")
		}
	}

	c.publish(p)
	return p, nil
}

func (c *Cache) loadPersisted(ttl time.Duration) *SystemProfile {
	if c.store == nil || ttl <= 0 {
		return nil
	}
	p, err := c.store.Load()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Ignoring persisted profile")
		return nil
	}
	if !p.FreshFor(ttl, c.now()) {
		return nil
	}
	c.publish(p)
	return p
}

func (c *Cache) publish(p *SystemProfile) {
	c.mu.Lock()
	c.current = p
	c.mu.Unlock()
}
