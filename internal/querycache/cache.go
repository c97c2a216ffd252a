// Package querycache caches dashboard query results by query name and
// filters, and runs the fetch-on-miss flow used by the data-fetching hooks.
package querycache

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/claimdash/internal/obs"
	"goflare.io/claimdash/internal/retrier"
)

// Store is the local keyed store behind a Cache.
type Store[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	DeleteFunc(match func(key string) bool) int
	Clear()
	Size() int
}

// Remote is an optional second tier shared between processes.
type Remote[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T) error
	// DeleteFunc removes the keys starting with prefix for which match
	// reports true. A nil match removes every key under prefix.
	DeleteFunc(ctx context.Context, prefix string, match func(key string) bool) error
	Clear(ctx context.Context) error
}

// Loader performs the real fetch of a query result.
type Loader[T any] func(ctx context.Context) (T, error)

// Option configures a Cache.
type Option func(*settings)

type settings struct {
	name     string
	retrier  *retrier.Retrier
	coalesce bool
	logger   *zap.Logger
	metrics  *obs.Metrics
	tracer   trace.Tracer
}

// WithName labels the cache in logs, metrics and spans.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithRetrier wraps every fetch in r.
func WithRetrier(r *retrier.Retrier) Option {
	return func(s *settings) { s.retrier = r }
}

// WithCoalescing makes concurrent misses on one key share a single fetch.
// Off by default: every miss performs its own fetch and the last write wins.
func WithCoalescing(enabled bool) Option {
	return func(s *settings) { s.coalesce = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records lookups and fetches into m.
func WithMetrics(m *obs.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithTracer sets the tracer used for fetch spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *settings) {
		if t != nil {
			s.tracer = t
		}
	}
}

// Cache is a query result cache layered on a Store.
type Cache[T any] struct {
	store  Store[T]
	remote Remote[T]
	sf     *singleflight.Group

	settings
}

// New creates a Cache over store, optionally backed by remote.
func New[T any](store Store[T], remote Remote[T], opts ...Option) *Cache[T] {
	s := settings{
		name:   "query",
		logger: zap.NewNop(),
		tracer: otel.Tracer("goflare.io/claimdash/querycache"),
	}
	for _, opt := range opts {
		opt(&s)
	}

	c := &Cache[T]{
		store:    store,
		remote:   remote,
		settings: s,
	}
	c.logger = s.logger.With(zap.String("cache", s.name))
	if s.coalesce {
		c.sf = &singleflight.Group{}
	}
	return c
}

// GetChartData returns the cached result of query name under filters.
func (c *Cache[T]) GetChartData(name string, filters Filters) (T, bool) {
	return c.store.Get(Key(name, filters))
}

// SetChartData caches value as the result of query name under filters.
func (c *Cache[T]) SetChartData(name string, filters Filters, value T) {
	c.store.Set(Key(name, filters), value)
}

// Fetch returns the result of query name under filters, from the local
// store, then the remote tier, then load. A loaded result is cached; a
// failed load caches nothing and its error is returned as is.
func (c *Cache[T]) Fetch(ctx context.Context, name string, filters Filters, load Loader[T]) (T, error) {
	key := Key(name, filters)

	ctx, span := c.tracer.Start(ctx, "QueryCache.Fetch", trace.WithAttributes(
		attribute.String("cache", c.name),
		attribute.String("query", name),
		attribute.String("key", key),
	))
	defer span.End()

	if v, ok := c.store.Get(key); ok {
		c.metrics.ObserveCacheRequest(c.name, obs.ResultHit)
		span.SetAttributes(attribute.String("result", obs.ResultHit))
		c.logger.Debug("Cache hit", zap.String("key", key))
		return v, nil
	}

	if v, ok := c.getRemote(ctx, key); ok {
		c.store.Set(key, v)
		c.metrics.ObserveCacheRequest(c.name, obs.ResultRemoteHit)
		span.SetAttributes(attribute.String("result", obs.ResultRemoteHit))
		return v, nil
	}

	c.metrics.ObserveCacheRequest(c.name, obs.ResultMiss)
	span.SetAttributes(attribute.String("result", obs.ResultMiss))

	if c.sf == nil {
		return c.load(ctx, span, key, load)
	}

	v, err, shared := c.sf.Do(key, func() (any, error) {
		return c.load(ctx, span, key, load)
	})
	span.SetAttributes(attribute.Bool("shared", shared))
	if err != nil {
		var zero T
		return zero, err
	}
	// v is an untyped nil when T is an interface and the loader returned nil.
	t, _ := v.(T)
	return t, nil
}

func (c *Cache[T]) getRemote(ctx context.Context, key string) (T, bool) {
	var zero T
	if c.remote == nil {
		return zero, false
	}
	v, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Remote lookup failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	return v, ok
}

func (c *Cache[T]) load(ctx context.Context, span trace.Span, key string, load Loader[T]) (T, error) {
	start := time.Now()

	var (
		v   T
		err error
	)
	if c.retrier != nil {
		v, err = retrier.Execute(ctx, c.retrier, func(ctx context.Context) (T, error) {
			return load(ctx)
		})
	} else {
		v, err = load(ctx)
	}

	if err != nil {
		c.metrics.ObserveFetch(c.name, obs.OutcomeError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("Fetch failed", zap.String("key", key), zap.Error(err))
		var zero T
		return zero, err
	}
	c.metrics.ObserveFetch(c.name, obs.OutcomeSuccess, time.Since(start))

	c.store.Set(key, v)
	if c.remote != nil {
		if err := c.remote.Set(ctx, key, v); err != nil {
			c.logger.Warn("Remote store failed", zap.String("key", key), zap.Error(err))
		}
	}
	return v, nil
}

// Invalidate drops every cached result of query name, whatever its filters,
// and reports how many local entries were removed.
func (c *Cache[T]) Invalidate(ctx context.Context, name string) (int, error) {
	owned := func(key string) bool { return ownsKey(name, key) }
	removed := c.store.DeleteFunc(owned)

	if c.remote != nil {
		if err := c.remote.DeleteFunc(ctx, keyPrefix(name), owned); err != nil {
			return removed, fmt.Errorf("failed to invalidate %q in remote cache: %w", name, err)
		}
	}
	return removed, nil
}

// Clear drops every cached result, local and remote.
func (c *Cache[T]) Clear(ctx context.Context) error {
	c.store.Clear()
	if c.remote != nil {
		if err := c.remote.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear remote cache: %w", err)
		}
	}
	return nil
}

// Size returns the local entry count, expired-but-unread entries included.
func (c *Cache[T]) Size() int {
	return c.store.Size()
}
