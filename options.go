package claimdash

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/claimdash/internal/config"
)

// Option 定義初始化 Client 的選項接口
type Option func(*config.Config) error

// WithLogger 設置自定義的日誌記錄器
func WithLogger(logger *zap.Logger) Option {
	return Option(config.WithLogger(logger))
}

// WithDefaultTTL sets how long a query result stays fresh.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(cfg *config.Config) error {
		if ttl < 0 {
			return config.ErrInvalidTTL
		}
		cfg.DefaultTTL = ttl
		return nil
	}
}

// WithRetry sets the attempt ceiling and base delay of backend fetches.
// With backoff the delay doubles on every retry.
func WithRetry(maxAttempts int, delay time.Duration, backoff bool) Option {
	return func(cfg *config.Config) error {
		cfg.Retry.MaxAttempts = maxAttempts
		cfg.Retry.Delay = delay
		cfg.Retry.Backoff = backoff
		return nil
	}
}

// WithMaxRetryDelay caps a single retry wait.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.Retry.MaxDelay = d
		return nil
	}
}

// WithRetryJitter adds up to j times the delay of random wait.
func WithRetryJitter(j float64) Option {
	return func(cfg *config.Config) error {
		cfg.Retry.Jitter = j
		return nil
	}
}

// WithBreaker puts a circuit breaker in front of backend fetches.
func WithBreaker(settings gobreaker.Settings) Option {
	return func(cfg *config.Config) error {
		cfg.Breaker.Enabled = true
		if settings.Name == "" {
			settings.Name = cfg.Breaker.Settings.Name
		}
		cfg.Breaker.Settings = settings
		return nil
	}
}

// WithRedis enables the shared Redis tier with a client the Client owns.
func WithRedis(opts *redis.Options) Option {
	return func(cfg *config.Config) error {
		if opts == nil {
			return errors.New("redis options are nil")
		}
		cfg.Remote.RedisOptions = opts
		return nil
	}
}

// WithRedisClient enables the shared Redis tier on an existing client. The
// caller keeps ownership of client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(cfg *config.Config) error {
		if client == nil {
			return errors.New("redis client is nil")
		}
		cfg.Remote.Client = client
		return nil
	}
}

// WithRemotePrefix namespaces the Redis keys.
func WithRemotePrefix(prefix string) Option {
	return func(cfg *config.Config) error {
		cfg.Remote.Prefix = prefix
		return nil
	}
}

// WithBloomFilter sizes the Redis tier's bloom filter. n == 0 disables it.
func WithBloomFilter(n uint, falsePositiveRate float64, rebuildInterval time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.Remote.BloomFilterConfig = config.BloomFilterConfig{
			ExpectedItems:     n,
			FalsePositiveRate: falsePositiveRate,
			RebuildInterval:   rebuildInterval,
		}
		return nil
	}
}

// WithSerialization 設置序列化方式
func WithSerialization(serializer string) Option {
	return Option(config.WithSerialization(serializer))
}

// WithCoalescing makes concurrent misses on one query share a fetch.
func WithCoalescing(enabled bool) Option {
	return func(cfg *config.Config) error {
		cfg.Coalescing = enabled
		return nil
	}
}

// WithMaxLocalEntries bounds each chart cache to n entries. Zero keeps the
// unbounded in-memory store.
func WithMaxLocalEntries(n int64) Option {
	return func(cfg *config.Config) error {
		cfg.MaxLocalEntries = n
		return nil
	}
}

// WithHealthProbe enables the backend health poller.
func WithHealthProbe(probe func(ctx context.Context) error, interval time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.Health.Probe = probe
		cfg.Health.Interval = interval
		return nil
	}
}

// WithHealthThresholds sets the per-check timeout and the latency above
// which the backend is reported degraded.
func WithHealthThresholds(timeout, degradedAfter time.Duration) Option {
	return func(cfg *config.Config) error {
		cfg.Health.Timeout = timeout
		cfg.Health.DegradedAfter = degradedAfter
		return nil
	}
}

// WithHealthAutoStart controls whether New starts the poller.
func WithHealthAutoStart(enabled bool) Option {
	return func(cfg *config.Config) error {
		cfg.Health.AutoStart = enabled
		return nil
	}
}
