// Package claimdash is the data layer of the warranty-claims dashboard: a
// query result cache with fetch retries, an optional Redis tier shared by
// replicas, and a backend health poller.
package claimdash

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/claimdash/internal/cache/limited"
	"goflare.io/claimdash/internal/cache/remote"
	"goflare.io/claimdash/internal/config"
	"goflare.io/claimdash/internal/health"
	"goflare.io/claimdash/internal/memo"
	"goflare.io/claimdash/internal/obs"
	"goflare.io/claimdash/internal/querycache"
	"goflare.io/claimdash/internal/retrier"
)

type (
	// Filters narrows a dashboard query.
	Filters = querycache.Filters
	// DashboardFilters is the typed filter bar.
	DashboardFilters = querycache.DashboardFilters
	// ChartCache caches the results of dashboard queries.
	ChartCache[T any] = querycache.Cache[T]
	// Loader fetches a query result from the backend.
	Loader[T any] = querycache.Loader[T]
	// HealthPoller polls the backend.
	HealthPoller = health.Poller
	// HealthSnapshot is one health check result.
	HealthSnapshot = health.Snapshot
	// Retrier retries backend operations.
	Retrier = retrier.Retrier
)

// ErrClosed is returned when a closed Client is used.
var ErrClosed = errors.New("client is closed")

// Client 定義 claimdash 的主要結構體
type Client struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *obs.Metrics

	retrier       *retrier.Retrier
	remoteRetrier *retrier.Retrier
	breaker       *gobreaker.CircuitBreaker

	redis     redis.UniversalClient
	ownsRedis bool

	health *health.Poller

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closers []func()
	closed  bool
}

// New 初始化 Client，接受多個配置選項
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfgOpts := make([]config.Option, len(opts))
	for i, opt := range opts {
		cfgOpts[i] = config.Option(opt)
	}

	cfg, err := config.NewConfig(cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: obs.NewMetrics(),
	}

	if cfg.Breaker.Enabled {
		settings := cfg.Breaker.Settings
		if settings.IsSuccessful == nil {
			// A rejected or empty query says nothing about backend health.
			settings.IsSuccessful = func(err error) bool {
				return err == nil || !retrier.DefaultRetryable(err)
			}
		}
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
		c.breaker = gobreaker.NewCircuitBreaker(settings)
	}

	c.retrier, err = c.newRetrier("backend",
		retrier.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retrier.WithDelay(cfg.Retry.Delay),
		retrier.WithBackoff(cfg.Retry.Backoff),
		retrier.WithMaxDelay(cfg.Retry.MaxDelay),
		retrier.WithJitter(cfg.Retry.Jitter),
		retrier.WithBreaker(c.breaker),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}

	if cfg.Remote.Enabled() {
		if err := c.connectRedis(ctx); err != nil {
			return nil, err
		}
	}

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if cfg.Health.Probe != nil {
		if err := c.startHealth(); err != nil {
			c.cancel()
			return nil, err
		}
	}

	return c, nil
}

func (c *Client) newRetrier(operation string, opts ...retrier.Option) (*retrier.Retrier, error) {
	opts = append(opts,
		retrier.WithLogger(c.logger.With(zap.String("operation", operation))),
		retrier.WithOnRetry(func(int, time.Duration, error) {
			c.metrics.ObserveRetry(operation)
		}),
	)
	return retrier.New(opts...)
}

func (c *Client) connectRedis(ctx context.Context) error {
	var err error
	c.remoteRetrier, err = c.newRetrier("redis",
		retrier.WithMaxAttempts(c.cfg.Remote.MaxAttempts),
		retrier.WithDelay(c.cfg.Remote.RetryDelay),
		retrier.WithBackoff(true),
	)
	if err != nil {
		return fmt.Errorf("failed to create redis retrier: %w", err)
	}

	if c.cfg.Remote.Client != nil {
		c.redis = c.cfg.Remote.Client
	} else {
		c.redis = redis.NewClient(c.cfg.Remote.RedisOptions)
		c.ownsRedis = true
	}

	if err := c.redis.Ping(ctx).Err(); err != nil {
		if c.ownsRedis {
			_ = c.redis.Close()
		}
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

func (c *Client) startHealth() error {
	hc := c.cfg.Health
	r, err := c.newRetrier("health",
		retrier.WithMaxAttempts(hc.MaxAttempts),
		retrier.WithDelay(c.cfg.Retry.Delay),
		retrier.WithBackoff(false),
	)
	if err != nil {
		return fmt.Errorf("failed to create health retrier: %w", err)
	}

	c.health = health.New(hc.Probe,
		health.WithInterval(hc.Interval),
		health.WithTimeout(hc.Timeout),
		health.WithDegradedAfter(hc.DegradedAfter),
		health.WithRetrier(r),
		health.WithLogger(c.logger.With(zap.String("component", "health"))),
		health.WithMetrics(c.metrics),
	)
	if hc.AutoStart {
		c.health.Start(c.ctx)
	}
	return nil
}

// NewChartCache creates the cache of one dashboard area, for example the
// claims-by-status chart or the supplier cost table. It shares the client's
// retrier, metrics and Redis connection; its Redis keys live under the
// chart name, so Clear on one chart leaves the others alone.
func NewChartCache[T any](c *Client, name string) (*ChartCache[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	logger := c.logger.With(zap.String("chart", name))

	var store querycache.Store[T]
	if c.cfg.MaxLocalEntries > 0 {
		lc, err := limited.New[T](c.cfg.MaxLocalEntries, c.cfg.DefaultTTL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create local cache for %q: %w", name, err)
		}
		c.closers = append(c.closers, lc.Close)
		store = lc
	} else {
		store = memo.New[T](c.cfg.DefaultTTL, memo.WithLogger(logger), memo.WithName(name))
	}

	var tier querycache.Remote[T]
	if c.redis != nil {
		rs, err := newRemoteStoreFor[T](c, name, logger)
		if err != nil {
			return nil, err
		}
		tier = rs
	}

	return querycache.New(store, tier,
		querycache.WithName(name),
		querycache.WithRetrier(c.retrier),
		querycache.WithCoalescing(c.cfg.Coalescing),
		querycache.WithLogger(logger),
		querycache.WithMetrics(c.metrics),
	), nil
}

func newRemoteStoreFor[T any](c *Client, name string, logger *zap.Logger) (*remote.Store[T], error) {
	rc := c.cfg.Remote
	opts := []remote.Option{
		remote.WithPrefix(rc.Prefix + name + ":"),
		remote.WithTTL(rc.TTL),
		remote.WithCodec(c.cfg.Serialization.Codec),
		remote.WithRetrier(c.remoteRetrier),
		remote.WithLogger(logger),
	}
	bf := rc.BloomFilterConfig
	if bf.ExpectedItems > 0 {
		opts = append(opts, remote.WithBloom(bf.ExpectedItems, bf.FalsePositiveRate))
	}

	rs, err := remote.New[T](c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote cache for %q: %w", name, err)
	}

	if bf.ExpectedItems > 0 {
		if err := rs.Rebuild(c.ctx); err != nil {
			logger.Warn("Failed to load bloom filter", zap.Error(err))
		}
		go rs.PeriodicRebuild(c.ctx, bf.RebuildInterval)
	}
	return rs, nil
}

// Execute runs fn through the client's backend retrier, for calls that are
// not cached such as creating a claim or uploading a certificate.
func Execute[T any](ctx context.Context, c *Client, fn func(ctx context.Context) (T, error)) (T, error) {
	return retrier.Execute(ctx, c.retrier, fn)
}

// Retrier returns the backend retrier.
func (c *Client) Retrier() *Retrier {
	return c.retrier
}

// Health returns the health poller, or nil when no probe is configured.
func (c *Client) Health() *HealthPoller {
	return c.health
}

// HealthStatus returns the latest health snapshot. It reports unknown when
// no probe is configured.
func (c *Client) HealthStatus() HealthSnapshot {
	if c.health == nil {
		return HealthSnapshot{Status: health.StatusUnknown}
	}
	return c.health.Latest()
}

// MetricsHandler serves the client's Prometheus metrics.
func (c *Client) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

// Close 關閉 Client，釋放資源
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	c.logger.Info("Closing claimdash client")

	if c.health != nil {
		c.health.Stop()
	}
	c.cancel()

	for _, closeFn := range closers {
		closeFn()
	}

	var errs []error
	if c.ownsRedis {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close remote cache connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
