// Package limited provides a bounded local store for query results, backed
// by ristretto. It holds at most a fixed number of entries and expires them
// by TTL.
package limited

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
)

// ErrInvalidMaxEntries is returned when the entry bound is not positive.
var ErrInvalidMaxEntries = errors.New("max entries must be at least 1")

// Cache is a bounded TTL store. Each entry costs 1, so the ristretto cost
// budget is the maximum number of entries.
type Cache[T any] struct {
	cache   *ristretto.Cache[string, T]
	tracker *Tracker
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates a Cache holding at most maxEntries values for ttl each.
func New[T any](maxEntries int64, ttl time.Duration, logger *zap.Logger) (*Cache[T], error) {
	if maxEntries < 1 {
		return nil, ErrInvalidMaxEntries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := NewTracker(logger)

	c, err := ristretto.NewCache(&ristretto.Config[string, T]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict: func(item *ristretto.Item[T]) {
			tracker.RemoveHash(item.Key)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Ristretto cache: %w", err)
	}

	return &Cache[T]{
		cache:   c,
		tracker: tracker,
		ttl:     ttl,
		logger:  logger,
	}, nil
}

// Set stores value under key. Writes are flushed before Set returns, so a
// following Get observes them unless ristretto's admission policy dropped
// the entry.
func (c *Cache[T]) Set(key string, value T) {
	if !c.cache.SetWithTTL(key, value, 1, c.ttl) {
		c.logger.Warn("Ristretto SetWithTTL dropped entry", zap.String("key", key))
		return
	}
	c.cache.Wait()
	c.tracker.Add(key)
}

// Get returns the live value stored under key.
func (c *Cache[T]) Get(key string) (T, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		c.tracker.Remove(key)
		var zero T
		return zero, false
	}
	return v, true
}

// Delete removes key.
func (c *Cache[T]) Delete(key string) {
	c.cache.Del(key)
	c.tracker.Remove(key)
}

// DeleteFunc removes every tracked key for which match returns true.
func (c *Cache[T]) DeleteFunc(match func(key string) bool) int {
	var keys []string
	c.tracker.Range(func(key string) bool {
		if match(key) {
			keys = append(keys, key)
		}
		return true
	})

	for _, key := range keys {
		c.Delete(key)
	}
	return len(keys)
}

// Clear removes all entries.
func (c *Cache[T]) Clear() {
	c.cache.Clear()
	c.tracker.Reset()
}

// Size returns the number of tracked keys. Like the memo store it may count
// entries that expired but were not read since.
func (c *Cache[T]) Size() int {
	return c.tracker.Len()
}

// Close releases ristretto's goroutines.
func (c *Cache[T]) Close() {
	c.cache.Close()
}
