package models

import "go.uber.org/atomic"

// Metrics holds the counters of one cache instance.
type Metrics struct {
	Hits        atomic.Int64
	Misses      atomic.Int64
	Expirations atomic.Int64
}

// NewMetrics creates a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// HitRatio returns hits / (hits + misses), or 0 when nothing was read.
func (m *Metrics) HitRatio() float64 {
	hits := m.Hits.Load()
	total := hits + m.Misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
