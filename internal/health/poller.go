// Package health polls the managed backend and keeps the latest status for
// the dashboard's system-health panel.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"goflare.io/claimdash/internal/memo"
	"goflare.io/claimdash/internal/obs"
	"goflare.io/claimdash/internal/retrier"
)

// Status is the coarse health of the backend.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Statuses lists every Status, for metrics.
var Statuses = []Status{StatusUnknown, StatusOK, StatusDegraded, StatusDown}

const latestKey = "latest"

// Probe checks the backend once.
type Probe func(ctx context.Context) error

// Snapshot is the result of one check.
type Snapshot struct {
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	Attempts  int           `json:"attempts"`
	Err       string        `json:"error,omitempty"`
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the time between checks in Run.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithTimeout bounds a single check, retries included.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) { p.timeout = d }
}

// WithDegradedAfter sets the latency above which a passing check is degraded.
func WithDegradedAfter(d time.Duration) Option {
	return func(p *Poller) { p.degradedAfter = d }
}

// WithStaleAfter sets how long a snapshot stays current. Defaults to three
// intervals.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Poller) { p.staleAfter = d }
}

// WithRetrier retries failed probes with r.
func WithRetrier(r *retrier.Retrier) Option {
	return func(p *Poller) { p.retrier = r }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics publishes the current status to m.
func WithMetrics(m *obs.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// Poller runs a Probe periodically.
type Poller struct {
	probe         Probe
	interval      time.Duration
	timeout       time.Duration
	degradedAfter time.Duration
	staleAfter    time.Duration

	retrier *retrier.Retrier
	clock   clock.Clock
	logger  *zap.Logger
	metrics *obs.Metrics

	latest *memo.Cache[Snapshot]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

const defaultInterval = 30 * time.Second

// New creates a Poller for probe. A non-positive interval falls back to
// 30s.
func New(probe Probe, opts ...Option) *Poller {
	p := &Poller{
		probe:         probe,
		interval:      defaultInterval,
		timeout:       5 * time.Second,
		degradedAfter: time.Second,
		clock:         clock.New(),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.staleAfter <= 0 {
		p.staleAfter = 3 * p.interval
	}
	p.latest = memo.New[Snapshot](p.staleAfter, memo.WithClock(p.clock), memo.WithName("health"))
	return p
}

// Check runs the probe once and records the result.
func (p *Poller) Check(ctx context.Context) Snapshot {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := p.clock.Now()
	attempts := 1
	var err error
	if p.retrier != nil {
		attempts, err = p.retrier.Run(ctx, func(ctx context.Context) error {
			return p.probe(ctx)
		})
	} else {
		err = p.probe(ctx)
	}
	latency := p.clock.Since(start)

	snap := Snapshot{
		Status:    p.classify(latency, err),
		Latency:   latency,
		CheckedAt: p.clock.Now(),
		Attempts:  attempts,
	}
	if err != nil {
		snap.Err = err.Error()
		p.logger.Warn("Health check failed", zap.Int("attempts", attempts), zap.Error(err))
	} else {
		p.logger.Debug("Health check passed", zap.Duration("latency", latency), zap.String("status", string(snap.Status)))
	}

	p.latest.Set(latestKey, snap)
	p.publish(snap.Status)
	return snap
}

func (p *Poller) classify(latency time.Duration, err error) Status {
	switch {
	case err != nil:
		return StatusDown
	case p.degradedAfter > 0 && latency > p.degradedAfter:
		return StatusDegraded
	default:
		return StatusOK
	}
}

// Latest returns the last snapshot, or an unknown one when no check ran or
// the last one is stale.
func (p *Poller) Latest() Snapshot {
	snap, ok := p.latest.Get(latestKey)
	if !ok {
		return Snapshot{Status: StatusUnknown}
	}
	return snap
}

func (p *Poller) publish(s Status) {
	if p.metrics == nil {
		return
	}
	all := make([]string, len(Statuses))
	for i, st := range Statuses {
		all[i] = string(st)
	}
	p.metrics.SetHealthStatus(string(s), all)
}

// Run checks immediately, then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ticker.C:
			p.Check(ctx)
		case <-ctx.Done():
			p.logger.Info("Stopping health poller due to context cancellation")
			return
		}
	}
}

// Start runs the poller in the background. Calling Start twice is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		p.Run(ctx)
	}(p.done)
}

// Stop ends a poller started with Start and waits for it to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
