// Package remote implements a Redis tier for query results shared between
// dashboard replicas.
package remote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"goflare.io/claimdash/internal/retrier"
	"goflare.io/claimdash/pkg/serialization"
)

const (
	// DefaultPrefix namespaces every key written by a Store.
	DefaultPrefix = "claimdash:"
	// DefaultTTL is the Redis expiry of a stored result.
	DefaultTTL = 5 * time.Minute

	scanBatch = 500
)

// ErrNilClient is returned when New is called without a Redis client.
var ErrNilClient = errors.New("redis client is nil")

// Option configures a Store.
type Option func(*config)

type config struct {
	prefix        string
	ttl           time.Duration
	codec         serialization.Codec
	retrier       *retrier.Retrier
	logger        *zap.Logger
	bloomItems    uint
	bloomFalsePos float64
}

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithTTL sets the Redis expiry of stored results.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithCodec sets the payload encoding.
func WithCodec(codec serialization.Codec) Option {
	return func(c *config) { c.codec = codec }
}

// WithRetrier retries transient Redis failures with r.
func WithRetrier(r *retrier.Retrier) Option {
	return func(c *config) { c.retrier = r }
}

// WithBloom enables a local bloom filter of known keys sized for n items at
// false positive rate fp. Lookups of keys the filter has never seen skip
// Redis; keys written by other replicas are picked up by Rebuild.
func WithBloom(n uint, fp float64) Option {
	return func(c *config) {
		c.bloomItems = n
		c.bloomFalsePos = fp
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Store keeps values of type T in Redis under a common prefix.
type Store[T any] struct {
	client redis.UniversalClient
	config
	tracer trace.Tracer

	filterMu sync.RWMutex
	filter   *bloom.BloomFilter
}

// New creates a Store on client.
func New[T any](client redis.UniversalClient, opts ...Option) (*Store[T], error) {
	if client == nil {
		return nil, ErrNilClient
	}

	cfg := config{
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		codec:  serialization.JSONCodec,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.retrier == nil {
		r, err := retrier.New(retrier.WithMaxAttempts(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create retrier: %w", err)
		}
		cfg.retrier = r
	}

	s := &Store[T]{
		client: client,
		config: cfg,
		tracer: otel.Tracer("goflare.io/claimdash/remote"),
	}
	if cfg.bloomItems > 0 {
		s.filter = bloom.NewWithEstimates(cfg.bloomItems, cfg.bloomFalsePos)
	}
	return s, nil
}

func (s *Store[T]) fullKey(key string) string {
	return s.prefix + key
}

// Get returns the value stored under key. A missing key is not an error.
func (s *Store[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	ctx, span := s.tracer.Start(ctx, "RemoteStore.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if !s.mayContain(key) {
		s.logger.Debug("Bloom filter negative for key", zap.String("key", key))
		return zero, false, nil
	}

	var (
		data  []byte
		found bool
	)
	_, err := s.retrier.Run(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.client.Get(ctx, s.fullKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return zero, false, fmt.Errorf("redis get failed: %w", err)
	}
	if !found {
		return zero, false, nil
	}

	var v T
	if err := s.codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set stores value under key with the configured TTL.
func (s *Store[T]) Set(ctx context.Context, key string, value T) error {
	ctx, span := s.tracer.Start(ctx, "RemoteStore.Set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}

	if _, err := s.retrier.Run(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, s.fullKey(key), data, s.ttl).Err()
	}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.remember(key)
	return nil
}

// DeleteFunc removes the stored keys starting with prefix for which match
// reports true. match sees keys without the store prefix; nil matches all.
func (s *Store[T]) DeleteFunc(ctx context.Context, prefix string, match func(key string) bool) error {
	pattern := escapeGlob(s.fullKey(prefix)) + "*"

	var cursor uint64
	for {
		var (
			keys []string
			err  error
		)
		keys, cursor, err = s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys from remote cache: %w", err)
		}

		if match != nil {
			keys = slices.DeleteFunc(keys, func(key string) bool {
				return !match(strings.TrimPrefix(key, s.prefix))
			})
		}
		if len(keys) > 0 {
			if _, err := s.retrier.Run(ctx, func(ctx context.Context) error {
				return s.client.Del(ctx, keys...).Err()
			}); err != nil {
				return fmt.Errorf("failed to delete keys from remote cache: %w", err)
			}
		}

		if cursor == 0 {
			return nil
		}
	}
}

// Clear removes every key of this Store and resets the bloom filter.
func (s *Store[T]) Clear(ctx context.Context) error {
	if err := s.DeleteFunc(ctx, "", nil); err != nil {
		return err
	}

	s.filterMu.Lock()
	if s.filter != nil {
		s.filter.ClearAll()
	}
	s.filterMu.Unlock()
	return nil
}

// Rebuild reloads the bloom filter from the keys currently in Redis.
func (s *Store[T]) Rebuild(ctx context.Context) error {
	if s.filter == nil {
		return nil
	}

	filter := bloom.NewWithEstimates(s.bloomItems, s.bloomFalsePos)
	pattern := escapeGlob(s.prefix) + "*"

	var cursor uint64
	for {
		var (
			keys []string
			err  error
		)
		keys, cursor, err = s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys from remote cache: %w", err)
		}
		for _, key := range keys {
			filter.AddString(strings.TrimPrefix(key, s.prefix))
		}
		if cursor == 0 {
			break
		}
	}

	s.filterMu.Lock()
	s.filter = filter
	s.filterMu.Unlock()
	return nil
}

// PeriodicRebuild calls Rebuild every interval until ctx is done.
func (s *Store[T]) PeriodicRebuild(ctx context.Context, interval time.Duration) {
	if s.filter == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Rebuild(ctx); err != nil {
				s.logger.Error("Failed to rebuild bloom filter", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store[T]) mayContain(key string) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	if s.filter == nil {
		return true
	}
	return s.filter.TestString(key)
}

func (s *Store[T]) remember(key string) {
	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	if s.filter != nil {
		s.filter.AddString(key)
	}
}

// escapeGlob quotes the characters Redis MATCH treats as wildcards.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
