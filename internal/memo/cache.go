// Package memo implements a keyed in-memory store with a fixed time-to-live
// per instance. Expired entries are purged lazily, when a read observes them.
package memo

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"goflare.io/claimdash/internal/models"
)

// Option configures a Cache.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *zap.Logger
	name   string
}

// WithClock sets the clock used to stamp and age entries.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithName names the cache in log lines.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Cache is a TTL cache of values of type T keyed by string.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]*models.Entry[T]
	ttl     time.Duration

	clock   clock.Clock
	metrics *models.Metrics
	logger  *zap.Logger
}

// New creates a Cache whose entries live for ttl. A non-positive ttl keeps
// entries until they are deleted or cleared.
func New[T any](ttl time.Duration, opts ...Option) *Cache[T] {
	o := options{
		clock:  clock.New(),
		logger: zap.NewNop(),
		name:   "memo",
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Cache[T]{
		entries: make(map[string]*models.Entry[T]),
		ttl:     ttl,
		clock:   o.clock,
		metrics: models.NewMetrics(),
		logger:  o.logger.With(zap.String("cache", o.name)),
	}
}

// Set stores value under key, replacing any previous entry.
func (c *Cache[T]) Set(key string, value T) {
	entry := models.NewEntry(key, value, c.clock.Now())

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Get returns the value stored under key. An entry older than the TTL is
// removed and reported as absent.
func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.metrics.Misses.Inc()
		return zero, false
	}

	if entry.IsExpired(c.clock.Now(), c.ttl) {
		delete(c.entries, key)
		c.metrics.Misses.Inc()
		c.metrics.Expirations.Inc()
		c.logger.Debug("Purged expired entry", zap.String("key", key))
		return zero, false
	}

	entry.IncrementAccess()
	c.metrics.Hits.Inc()
	return entry.Value, true
}

// Delete removes key.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeleteFunc removes every key for which match returns true and reports how
// many were removed.
func (c *Cache[T]) DeleteFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Size returns the number of stored entries. Entries that have expired but
// were not read since are still counted.
func (c *Cache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Metrics returns the hit, miss and expiration counters.
func (c *Cache[T]) Metrics() *models.Metrics {
	return c.metrics
}
