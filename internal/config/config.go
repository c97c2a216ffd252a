package config

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/claimdash/pkg/serialization"
)

// Config configures the dashboard data layer.
type Config struct {
	DefaultTTL      time.Duration
	MaxLocalEntries int64
	Coalescing      bool

	Retry         RetryConfig
	Breaker       BreakerConfig
	Remote        RemoteConfig
	Health        HealthConfig
	Serialization SerializationConfig
	Logger        *zap.Logger
}

// RetryConfig configures retries of backend fetches.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     bool
	MaxDelay    time.Duration
	Jitter      float64
}

// BreakerConfig configures the circuit breaker in front of the backend.
type BreakerConfig struct {
	Enabled  bool
	Settings gobreaker.Settings
}

// RemoteConfig configures the shared Redis tier. The tier is off unless
// Redis options or a client are set.
type RemoteConfig struct {
	RedisOptions      *redis.Options
	Client            redis.UniversalClient
	Prefix            string
	TTL               time.Duration
	MaxAttempts       int
	RetryDelay        time.Duration
	BloomFilterConfig BloomFilterConfig
}

// Enabled reports whether a Redis tier is configured.
func (r RemoteConfig) Enabled() bool {
	return r.RedisOptions != nil || r.Client != nil
}

// BloomFilterConfig 用於布隆過濾器的配置
type BloomFilterConfig struct {
	ExpectedItems     uint
	FalsePositiveRate float64
	RebuildInterval   time.Duration
}

// HealthConfig configures the backend health poller. The poller is off
// unless Probe is set.
type HealthConfig struct {
	Probe         func(ctx context.Context) error
	Interval      time.Duration
	Timeout       time.Duration
	DegradedAfter time.Duration
	MaxAttempts   int
	AutoStart     bool
}

// SerializationConfig selects the Redis payload encoding.
type SerializationConfig struct {
	Type  string
	Codec serialization.Codec
}

// Option 函數類型
type Option func(*Config) error

var (
	ErrInvalidTTL         = errors.New("default TTL must not be negative")
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	ErrInvalidLocalSize   = errors.New("max local entries must not be negative")
	ErrInvalidInterval    = errors.New("health interval must be positive")
)

// NewConfig creates a Config with defaults and applies options.
func NewConfig(options ...Option) (*Config, error) {
	defaultLogger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DefaultTTL: 5 * time.Minute,
		Retry: RetryConfig{
			MaxAttempts: 3,
			Delay:       time.Second,
			Backoff:     true,
		},
		Breaker: BreakerConfig{
			Settings: gobreaker.Settings{
				Name:        "backend",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 5
				},
			},
		},
		Remote: RemoteConfig{
			Prefix:      "claimdash:",
			TTL:         5 * time.Minute,
			MaxAttempts: 2,
			RetryDelay:  50 * time.Millisecond,
			BloomFilterConfig: BloomFilterConfig{
				ExpectedItems:     10000,
				FalsePositiveRate: 0.01,
				RebuildInterval:   10 * time.Minute,
			},
		},
		Health: HealthConfig{
			Interval:      30 * time.Second,
			Timeout:       5 * time.Second,
			DegradedAfter: time.Second,
			MaxAttempts:   2,
			AutoStart:     true,
		},
		Serialization: SerializationConfig{
			Type:  serialization.JSONType,
			Codec: serialization.JSONCodec,
		},
		Logger: defaultLogger,
	}

	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be corrected silently.
func (c *Config) Validate() error {
	if c.DefaultTTL < 0 {
		return ErrInvalidTTL
	}
	if c.MaxLocalEntries < 0 {
		return ErrInvalidLocalSize
	}
	if c.Retry.MaxAttempts < 1 || c.Remote.MaxAttempts < 1 || c.Health.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if c.Health.Probe != nil && c.Health.Interval <= 0 {
		return ErrInvalidInterval
	}
	return nil
}

// WithLogger 設置自定義 Logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithSerialization selects the Redis payload encoding by name.
func WithSerialization(name string) Option {
	return func(c *Config) error {
		codec, err := serialization.ForType(name)
		if err != nil {
			return err
		}
		c.Serialization = SerializationConfig{Type: codec.Type, Codec: codec}
		return nil
	}
}
