// Package cache provides a time-bounded, populate-on-miss cache over pluggable stores.
package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/umbrella-service/internal/observability"
)

// DefaultTTL applies when New is given a non-positive TTL.
const DefaultTTL = 10 * time.Minute

// PopulateFunc produces the value for a missing key.
type PopulateFunc[V any] func(ctx context.Context) (V, error)

// TTLCache stores values for a fixed TTL and populates misses on demand.
// Every entry of one TTLCache shares the TTL given to New.
//
// Concurrent misses on the same key each call populate unless WithCoalescing is set.
type TTLCache[V any] struct {
	store    Store[V]
	ttl      time.Duration
	name     string
	logger   *zap.Logger
	group    *singleflight.Group
	stampede *stampedeTracker
}

type settings struct {
	name     string
	logger   *zap.Logger
	coalesce bool
}

// Option configures a TTLCache.
type Option func(*settings)

// WithName sets the cache label used in metrics and logs.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithCoalescing makes concurrent misses for one key share a single populate call.
// The shared call runs with the context of the caller that started it.
func WithCoalescing() Option {
	return func(s *settings) { s.coalesce = true }
}

// New creates a TTLCache over store.
func New[V any](store Store[V], ttl time.Duration, opts ...Option) *TTLCache[V] {
	s := settings{name: "default"}
	for _, opt := range opts {
		opt(&s)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &TTLCache[V]{
		store:    store,
		ttl:      ttl,
		name:     s.name,
		logger:   s.logger,
		stampede: newStampedeTracker(),
	}
	if s.coalesce {
		c.group = &singleflight.Group{}
	}
	return c
}

// TTL returns the expiration applied to every stored entry.
func (c *TTLCache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached value for key. On a miss it calls populate once, stores a
// successful result for the cache TTL and returns it. A populate error is returned
// as-is and nothing is stored. Store failures degrade to a miss (on read) or to an
// uncached result (on write); they are logged and counted, never returned.
func (c *TTLCache[V]) Get(ctx context.Context, key string, populate PopulateFunc[V]) (V, error) {
	logger := c.loggerFor(ctx)

	if v, ok := c.lookup(ctx, key, logger); ok {
		observability.CacheHitsTotal.WithLabelValues(c.name).Inc()
		if logger != nil {
			logger.Debug("cache hit", zap.String("cache", c.name), zap.String("key", key))
		}
		return v, nil
	}
	observability.CacheMissesTotal.WithLabelValues(c.name).Inc()

	if n := c.stampede.begin(key); n > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(c.name).Inc()
		if logger != nil {
			logger.Debug("concurrent cache miss", zap.String("cache", c.name), zap.String("key", key), zap.Int("pending", n))
		}
	}
	defer c.stampede.end(key)

	if logger != nil {
		logger.Debug("cache miss, populating", zap.String("cache", c.name), zap.String("key", key))
	}
	if c.group != nil {
		return c.populateShared(ctx, key, populate, logger)
	}
	return c.populate(ctx, key, populate, logger)
}

func (c *TTLCache[V]) lookup(ctx context.Context, key string, logger *zap.Logger) (V, bool) {
	start := time.Now()
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.recordStoreError("get", start, err, key, logger)
		var zero V
		return zero, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues(c.name, "get", "success").Observe(time.Since(start).Seconds())
	return v, ok
}

func (c *TTLCache[V]) populate(ctx context.Context, key string, populate PopulateFunc[V], logger *zap.Logger) (V, error) {
	v, err := populate(ctx)
	if err != nil {
		observability.CachePopulateErrorsTotal.WithLabelValues(c.name).Inc()
		var zero V
		return zero, err
	}

	start := time.Now()
	if err := c.store.Set(ctx, key, v, c.ttl); err != nil {
		c.recordStoreError("set", start, err, key, logger)
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues(c.name, "set", "success").Observe(time.Since(start).Seconds())
	}
	return v, nil
}

func (c *TTLCache[V]) populateShared(ctx context.Context, key string, populate PopulateFunc[V], logger *zap.Logger) (V, error) {
	res, err, shared := c.group.Do(key, func() (interface{}, error) {
		return c.populate(ctx, key, populate, logger)
	})
	if shared {
		observability.CacheCoalescedTotal.WithLabelValues(c.name).Inc()
	}
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

// Remove evicts key. Removing an absent key is a no-op.
func (c *TTLCache[V]) Remove(ctx context.Context, key string) error {
	start := time.Now()
	if err := c.store.Delete(ctx, key); err != nil {
		c.recordStoreError("delete", start, err, key, c.loggerFor(ctx))
		return fmt.Errorf("cache remove %s: %w", key, err)
	}
	return nil
}

// Flush evicts every entry.
func (c *TTLCache[V]) Flush(ctx context.Context) error {
	start := time.Now()
	if err := c.store.Flush(ctx); err != nil {
		c.recordStoreError("flush", start, err, "", c.loggerFor(ctx))
		return fmt.Errorf("cache flush: %w", err)
	}
	if logger := c.loggerFor(ctx); logger != nil {
		logger.Info("cache flushed", zap.String("cache", c.name))
	}
	return nil
}

func (c *TTLCache[V]) recordStoreError(op string, start time.Time, err error, key string, logger *zap.Logger) {
	observability.CacheErrorsTotal.WithLabelValues(c.name, op).Inc()
	observability.CacheOperationDurationSeconds.WithLabelValues(c.name, op, "error").Observe(time.Since(start).Seconds())
	if logger != nil {
		logger.Warn("cache store error", zap.String("cache", c.name), zap.String("operation", op), zap.String("key", key), zap.Error(err))
	}
}

func (c *TTLCache[V]) loggerFor(ctx context.Context) *zap.Logger {
	if l := observability.LoggerFromContext(ctx); l != nil {
		return l
	}
	return c.logger
}
