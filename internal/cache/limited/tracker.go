package limited

import (
	"sync"

	"github.com/dgraph-io/ristretto/v2/z"
	"go.uber.org/zap"
)

// Tracker tracks the keys held by a ristretto cache, indexed by the hash
// ristretto reports on eviction.
type Tracker struct {
	trackedKeys sync.Map
	logger      *zap.Logger
}

// NewTracker creates a new Tracker instance.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger: logger,
	}
}

func hashKey(key string) uint64 {
	h, _ := z.KeyToHash(key)
	return h
}

// Add adds a key to the tracker.
func (t *Tracker) Add(key string) {
	t.trackedKeys.Store(hashKey(key), key)
}

// Remove removes a key from the tracker.
func (t *Tracker) Remove(key string) {
	t.trackedKeys.Delete(hashKey(key))
}

// RemoveHash removes the key whose hash is h.
func (t *Tracker) RemoveHash(h uint64) {
	t.trackedKeys.Delete(h)
}

// Range iterates over all tracked keys.
func (t *Tracker) Range(f func(key string) bool) {
	t.trackedKeys.Range(func(k, v any) bool {
		if strKey, ok := v.(string); ok {
			return f(strKey)
		}
		t.logger.Warn("Invalid key type in Tracker", zap.Any("key", k))
		return true
	})
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	n := 0
	t.trackedKeys.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset forgets every key.
func (t *Tracker) Reset() {
	t.trackedKeys.Clear()
}
