package retrier

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	minMaxAttempts = 1
	minFactor      = 1.0
	maxJitter      = 1.0

	// DefaultMaxAttempts is the attempt ceiling when none is configured.
	DefaultMaxAttempts = 3
	// DefaultDelay is the base wait between attempts.
	DefaultDelay = time.Second
	// DefaultFactor is the multiplier of ExponentialBackoff.
	DefaultFactor = 2.0
)

// ConstantBackoff waits the base delay before every retry.
// ExponentialBackoff multiplies the base delay by the factor on each retry.
// LinearBackoff grows the wait by one base delay per retry.
const (
	ConstantBackoff BackoffStrategy = iota
	ExponentialBackoff
	LinearBackoff
)

var (
	// ErrInvalidMaxAttempts is returned when the max attempts parameter is invalid.
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	// ErrInvalidDelay is returned when the base delay parameter is invalid.
	ErrInvalidDelay = errors.New("delay must not be negative")
	// ErrInvalidFactor is returned when the factor parameter is invalid.
	ErrInvalidFactor = errors.New("factor must be at least 1.0")
	// ErrInvalidJitter is returned when the jitter parameter is invalid.
	ErrInvalidJitter = errors.New("jitter must be between 0 and 1")
)

// BackoffStrategy defines the strategy used for calculating backoff intervals in retry mechanisms.
type BackoffStrategy int

func (s BackoffStrategy) String() string {
	switch s {
	case ConstantBackoff:
		return "constant"
	case ExponentialBackoff:
		return "exponential"
	case LinearBackoff:
		return "linear"
	default:
		return "unknown"
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryHook is called before each wait. retry is 1 for the first retry.
type RetryHook func(retry int, delay time.Duration, err error)

// Option configures a Retrier.
type Option func(*Retrier)

// Retrier runs an operation and retries transient failures with a backoff.
// Calls are independent: a Retrier holds no per-call state and may be shared.
type Retrier struct {
	maxAttempts int
	delay       time.Duration
	maxDelay    time.Duration
	factor      float64
	jitter      float64
	strategy    BackoffStrategy

	retryable func(error) bool
	onRetry   RetryHook
	sleep     Sleeper
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

// WithMaxAttempts sets the total number of attempts, the first included.
func WithMaxAttempts(n int) Option {
	return func(r *Retrier) { r.maxAttempts = n }
}

// WithDelay sets the base wait between attempts.
func WithDelay(d time.Duration) Option {
	return func(r *Retrier) { r.delay = d }
}

// WithBackoff switches between doubling waits (true) and a constant wait (false).
func WithBackoff(enabled bool) Option {
	return func(r *Retrier) {
		if enabled {
			r.strategy = ExponentialBackoff
			r.factor = DefaultFactor
			return
		}
		r.strategy = ConstantBackoff
	}
}

// WithStrategy sets the backoff strategy.
func WithStrategy(s BackoffStrategy) Option {
	return func(r *Retrier) { r.strategy = s }
}

// WithFactor sets the ExponentialBackoff multiplier.
func WithFactor(f float64) Option {
	return func(r *Retrier) { r.factor = f }
}

// WithMaxDelay caps a single wait. Zero means no cap.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Retrier) { r.maxDelay = d }
}

// WithJitter adds up to jitter*delay of random wait on top of each delay.
func WithJitter(j float64) Option {
	return func(r *Retrier) { r.jitter = j }
}

// WithRetryable replaces DefaultRetryable.
func WithRetryable(fn func(error) bool) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.retryable = fn
		}
	}
}

// WithOnRetry registers a hook called before each wait.
func WithOnRetry(fn RetryHook) Option {
	return func(r *Retrier) { r.onRetry = fn }
}

// WithSleeper replaces the timer-based wait.
func WithSleeper(s Sleeper) Option {
	return func(r *Retrier) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithBreaker routes every attempt through cb. An open breaker fails the
// attempt with a non-retryable error.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(r *Retrier) { r.breaker = cb }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Retrier) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Retrier. Without options it makes three attempts with
// exponential waits of 1s and 2s between them.
func New(opts ...Option) (*Retrier, error) {
	r := &Retrier{
		maxAttempts: DefaultMaxAttempts,
		delay:       DefaultDelay,
		factor:      DefaultFactor,
		strategy:    ExponentialBackoff,
		retryable:   DefaultRetryable,
		sleep:       sleepContext,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.maxAttempts < minMaxAttempts {
		return nil, ErrInvalidMaxAttempts
	}
	if r.delay < 0 {
		return nil, ErrInvalidDelay
	}
	if r.factor < minFactor {
		return nil, ErrInvalidFactor
	}
	if r.jitter < 0 || r.jitter > maxJitter {
		return nil, ErrInvalidJitter
	}

	return r, nil
}

// Run calls fn until it succeeds, fails with a non-retryable error, or the
// attempt ceiling is reached. It returns the number of attempts made and the
// last error, unwrapped. If ctx is done while waiting, ctx.Err() is returned.
func (r *Retrier) Run(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = r.attempt(ctx, fn)
		if err == nil {
			return attempt, nil
		}

		if !r.retryable(err) {
			r.logger.Debug("Non-retryable error", zap.Int("attempt", attempt), zap.Error(err))
			return attempt, err
		}

		if attempt == r.maxAttempts {
			break
		}

		delay := r.Delay(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, delay, err)
		}
		r.logger.Warn("Retrying after error",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))

		if serr := r.sleep(ctx, delay); serr != nil {
			return attempt, serr
		}
	}

	return r.maxAttempts, err
}

func (r *Retrier) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.breaker == nil {
		return fn(ctx)
	}
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Execute is Run for operations that produce a value.
func Execute[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	_, err := r.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Delay returns the wait before the given retry, 1 being the first retry.
func (r *Retrier) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	var delay float64
	switch r.strategy {
	case ConstantBackoff:
		delay = float64(r.delay)
	case LinearBackoff:
		delay = float64(r.delay) * float64(retry)
	default:
		delay = float64(r.delay) * math.Pow(r.factor, float64(retry-1))
	}

	if r.maxDelay > 0 && delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}

	if r.jitter > 0 {
		delay += rand.Float64() * r.jitter * delay
	}

	if delay > float64(time.Hour) {
		delay = float64(time.Hour)
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
