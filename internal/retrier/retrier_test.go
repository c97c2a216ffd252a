package retrier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusError struct {
	status int
}

func (e *statusError) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *statusError) StatusCode() int { return e.status }

type codeError struct {
	code string
}

func (e *codeError) Error() string { return "backend error " + e.code }
func (e *codeError) Code() string  { return e.code }

// recordingSleeper records requested waits without sleeping.
type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func newTestRetrier(t *testing.T, opts ...Option) (*Retrier, *recordingSleeper) {
	t.Helper()
	s := &recordingSleeper{}
	r, err := New(append([]Option{WithSleeper(s.Sleep)}, opts...)...)
	require.NoError(t, err)
	return r, s
}

func TestRunSucceedsAfterTwoFailures(t *testing.T) {
	r, _ := newTestRetrier(t, WithMaxAttempts(3))

	calls := 0
	attempts, err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRunStopsOnFirstSuccess(t *testing.T) {
	r, s := newTestRetrier(t, WithMaxAttempts(5))

	calls := 0
	attempts, err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.waits)
}

func TestRunExhaustionReturnsLastError(t *testing.T) {
	r, _ := newTestRetrier(t, WithMaxAttempts(2))

	calls := 0
	var last error
	attempts, err := r.Run(context.Background(), func(context.Context) error {
		calls++
		last = fmt.Errorf("failure %d", calls)
		return last
	})

	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, attempts)
	assert.Same(t, last, err)
}

func TestBackoffDoublesDelay(t *testing.T) {
	r, s := newTestRetrier(t, WithMaxAttempts(3), WithDelay(time.Second), WithBackoff(true))

	_, err := r.Run(context.Background(), func(context.Context) error {
		return errors.New("down")
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.waits)
}

func TestConstantDelayWithoutBackoff(t *testing.T) {
	r, s := newTestRetrier(t, WithMaxAttempts(3), WithDelay(time.Second), WithBackoff(false))

	_, err := r.Run(context.Background(), func(context.Context) error {
		return errors.New("down")
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, s.waits)
}

func TestBackoffTimingWithRealTimer(t *testing.T) {
	r, err := New(WithMaxAttempts(3), WithDelay(20*time.Millisecond), WithBackoff(true))
	require.NoError(t, err)

	var stamps []time.Time
	_, _ = r.Run(context.Background(), func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("down")
	})

	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 40*time.Millisecond)
}

func TestNonRetryableStatusShortCircuits(t *testing.T) {
	r, s := newTestRetrier(t, WithMaxAttempts(5))

	calls := 0
	want := &statusError{status: 403}
	attempts, err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return want
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Same(t, want, err)
	assert.Empty(t, s.waits)
}

func TestCustomRetryablePredicate(t *testing.T) {
	stop := errors.New("stop")
	r, _ := newTestRetrier(t, WithMaxAttempts(4), WithRetryable(func(err error) bool {
		return !errors.Is(err, stop)
	}))

	calls := 0
	_, err := r.Run(context.Background(), func(context.Context) error {
		calls++
		if calls == 2 {
			return stop
		}
		return errors.New("again")
	})

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestOnRetryHook(t *testing.T) {
	var retries []int
	r, _ := newTestRetrier(t, WithMaxAttempts(3), WithOnRetry(func(retry int, _ time.Duration, _ error) {
		retries = append(retries, retry)
	}))

	_, _ = r.Run(context.Background(), func(context.Context) error {
		return errors.New("down")
	})

	assert.Equal(t, []int{1, 2}, retries)
}

func TestRunStopsWhenContextDoneDuringWait(t *testing.T) {
	r, err := New(WithMaxAttempts(3), WithDelay(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	attempts, err := r.Run(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExecuteReturnsValue(t *testing.T) {
	r, _ := newTestRetrier(t, WithMaxAttempts(2))

	calls := 0
	v, err := Execute(context.Background(), r, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("flaky")
		}
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestBreakerOpenIsNotRetried(t *testing.T) {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "test",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
		Timeout: time.Hour,
	})
	r, _ := newTestRetrier(t, WithMaxAttempts(5), WithBreaker(cb))

	calls := 0
	attempts, err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	})

	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 3, attempts)
}

func TestNewValidates(t *testing.T) {
	_, err := New(WithMaxAttempts(0))
	assert.ErrorIs(t, err, ErrInvalidMaxAttempts)

	_, err = New(WithDelay(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidDelay)

	_, err = New(WithFactor(0.5))
	assert.ErrorIs(t, err, ErrInvalidFactor)

	_, err = New(WithJitter(2))
	assert.ErrorIs(t, err, ErrInvalidJitter)
}

func TestDelayStrategies(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		retry    int
		expected time.Duration
	}{
		{"exponential first", []Option{WithDelay(time.Second)}, 1, time.Second},
		{"exponential third", []Option{WithDelay(time.Second)}, 3, 4 * time.Second},
		{"linear", []Option{WithDelay(time.Second), WithStrategy(LinearBackoff)}, 3, 3 * time.Second},
		{"constant", []Option{WithDelay(time.Second), WithStrategy(ConstantBackoff)}, 3, time.Second},
		{"capped", []Option{WithDelay(time.Second), WithMaxDelay(3 * time.Second)}, 4, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, r.Delay(tt.retry))
		})
	}
}

func TestJitterStaysInRange(t *testing.T) {
	r, err := New(WithDelay(time.Second), WithJitter(0.5))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		d := r.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestDefaultRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", errors.New("boom"), true},
		{"server status", &statusError{status: 503}, true},
		{"unauthorized", &statusError{status: 401}, false},
		{"wrapped forbidden", fmt.Errorf("query: %w", &statusError{status: 403}), false},
		{"privilege code", &codeError{code: "42501"}, false},
		{"other code", &codeError{code: "57014"}, true},
		{"permanent", Permanent(errors.New("bad input")), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), false},
		{"breaker open", gobreaker.ErrOpenState, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultRetryable(tt.err))
		})
	}
}

func TestPermanentKeepsCause(t *testing.T) {
	cause := &statusError{status: 500}
	err := Permanent(cause)

	var sc StatusCoder
	require.ErrorAs(t, err, &sc)
	assert.Equal(t, 500, sc.StatusCode())
	assert.True(t, IsPermanent(err))
	assert.Nil(t, Permanent(nil))
}
