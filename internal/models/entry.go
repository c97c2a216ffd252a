package models

import (
	"time"

	"go.uber.org/atomic"
)

// Entry represents a cache entry.
type Entry[T any] struct {
	Key         string
	Value       T
	StoredAt    time.Time
	AccessCount *atomic.Int64
}

// NewEntry creates a new Entry stored at the given time.
func NewEntry[T any](key string, value T, storedAt time.Time) *Entry[T] {
	return &Entry[T]{
		Key:         key,
		Value:       value,
		StoredAt:    storedAt,
		AccessCount: atomic.NewInt64(0),
	}
}

// IsExpired reports whether the entry is older than ttl at now.
// A non-positive ttl never expires.
func (e *Entry[T]) IsExpired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) > ttl
}

// IncrementAccess increments the access count.
func (e *Entry[T]) IncrementAccess() {
	e.AccessCount.Inc()
}
