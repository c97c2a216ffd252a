package claimdash_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/claimdash"
)

type statusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type forbidden struct{}

func (forbidden) Error() string   { return "permission denied for table claims" }
func (forbidden) StatusCode() int { return http.StatusForbidden }

func newTestClient(t *testing.T, opts ...claimdash.Option) *claimdash.Client {
	t.Helper()
	base := []claimdash.Option{
		claimdash.WithLogger(zap.NewNop()),
		claimdash.WithRetry(3, time.Millisecond, true),
	}
	c, err := claimdash.New(context.Background(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c
}

func TestFetchCachesAcrossFilterOrder(t *testing.T) {
	c := newTestClient(t)
	charts, err := claimdash.NewChartCache[[]statusCount](c, "claims-by-status")
	require.NoError(t, err)

	var calls atomic.Int32
	load := func(context.Context) ([]statusCount, error) {
		calls.Add(1)
		return []statusCount{{"open", 4}, {"approved", 2}}, nil
	}

	first := claimdash.Filters{"supplier_id": "acme", "account_id": "a-1"}
	second := claimdash.Filters{"account_id": "a-1", "supplier_id": "acme"}

	_, err = charts.Fetch(context.Background(), "claims-by-status", first, load)
	require.NoError(t, err)
	got, err := charts.Fetch(context.Background(), "claims-by-status", second, load)
	require.NoError(t, err)

	assert.Len(t, got, 2)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	c := newTestClient(t)
	charts, err := claimdash.NewChartCache[int](c, "open-claims")
	require.NoError(t, err)

	calls := 0
	v, err := charts.Fetch(context.Background(), "open-claims", nil, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 9, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 9, v)
	assert.Equal(t, 3, calls)
}

func TestFetchDoesNotRetryPermissionErrors(t *testing.T) {
	c := newTestClient(t)
	charts, err := claimdash.NewChartCache[int](c, "costs")
	require.NoError(t, err)

	calls := 0
	_, err = charts.Fetch(context.Background(), "costs", nil, func(context.Context) (int, error) {
		calls++
		return 0, forbidden{}
	})

	assert.ErrorAs(t, err, new(forbidden))
	assert.Equal(t, 1, calls)
}

func TestBoundedLocalStore(t *testing.T) {
	c := newTestClient(t, claimdash.WithMaxLocalEntries(10))
	charts, err := claimdash.NewChartCache[string](c, "certificates")
	require.NoError(t, err)

	charts.SetChartData("certificates", claimdash.Filters{"technician_id": "t-7"}, "3 expiring")

	v, ok := charts.GetChartData("certificates", claimdash.Filters{"technician_id": "t-7"})
	require.True(t, ok)
	assert.Equal(t, "3 expiring", v)
}

func TestRedisTierSharedBetweenClients(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a := newTestClient(t, claimdash.WithRedis(&redis.Options{Addr: mr.Addr()}), claimdash.WithBloomFilter(0, 0, 0))
	b := newTestClient(t, claimdash.WithRedis(&redis.Options{Addr: mr.Addr()}), claimdash.WithBloomFilter(0, 0, 0))

	chartsA, err := claimdash.NewChartCache[[]statusCount](a, "claims-by-status")
	require.NoError(t, err)
	chartsB, err := claimdash.NewChartCache[[]statusCount](b, "claims-by-status")
	require.NoError(t, err)

	want := []statusCount{{"open", 1}}
	_, err = chartsA.Fetch(ctx, "claims-by-status", nil, func(context.Context) ([]statusCount, error) {
		return want, nil
	})
	require.NoError(t, err)

	got, err := chartsB.Fetch(ctx, "claims-by-status", nil, func(context.Context) ([]statusCount, error) {
		return nil, errors.New("replica b must read the shared tier")
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestClearKeepsOtherChartsInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c := newTestClient(t, claimdash.WithRedis(&redis.Options{Addr: mr.Addr()}))

	claims, err := claimdash.NewChartCache[int](c, "claims")
	require.NoError(t, err)
	costs, err := claimdash.NewChartCache[int](c, "costs")
	require.NoError(t, err)

	_, err = costs.Fetch(ctx, "costs", nil, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	_, err = claims.Fetch(ctx, "claims", nil, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Len(t, mr.Keys(), 2)

	require.NoError(t, claims.Clear(ctx))

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "costs")
}

func TestBreakerIgnoresPermissionErrors(t *testing.T) {
	c := newTestClient(t, claimdash.WithBreaker(gobreaker.Settings{
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 1 },
	}))
	charts, err := claimdash.NewChartCache[int](c, "costs")
	require.NoError(t, err)

	calls := 0
	for i := 0; i < 3; i++ {
		_, err = charts.Fetch(context.Background(), "costs", claimdash.Filters{"attempt": i}, func(context.Context) (int, error) {
			calls++
			return 0, forbidden{}
		})
		assert.ErrorAs(t, err, new(forbidden))
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.Equal(t, 3, calls)

	v, err := charts.Fetch(context.Background(), "costs", nil, func(context.Context) (int, error) { return 5, nil })
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestNewFailsWhenRedisUnreachable(t *testing.T) {
	_, err := claimdash.New(context.Background(),
		claimdash.WithLogger(zap.NewNop()),
		claimdash.WithRedis(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1}),
	)
	assert.Error(t, err)
}

func TestHealthProbe(t *testing.T) {
	c := newTestClient(t,
		claimdash.WithHealthProbe(func(context.Context) error { return nil }, time.Hour),
	)

	require.Eventually(t, func() bool {
		return c.HealthStatus().Status == "ok"
	}, time.Second, 5*time.Millisecond)
}

func TestHealthStatusWithoutProbe(t *testing.T) {
	c := newTestClient(t)

	assert.Nil(t, c.Health())
	assert.EqualValues(t, "unknown", c.HealthStatus().Status)
}

func TestExecute(t *testing.T) {
	c := newTestClient(t)

	calls := 0
	id, err := claimdash.Execute(context.Background(), c, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("timeout")
		}
		return "claim-17", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "claim-17", id)
}

func TestMetricsHandler(t *testing.T) {
	c := newTestClient(t)
	charts, err := claimdash.NewChartCache[int](c, "credit-notes")
	require.NoError(t, err)
	_, _ = charts.Fetch(context.Background(), "credit-notes", nil, func(context.Context) (int, error) { return 1, nil })

	rec := httptest.NewRecorder()
	c.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Contains(t, rec.Body.String(), `claimdash_cache_requests_total{cache="credit-notes",result="miss"} 1`)
}

func TestNewChartCacheAfterClose(t *testing.T) {
	c, err := claimdash.New(context.Background(), claimdash.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = claimdash.NewChartCache[int](c, "claims")
	assert.ErrorIs(t, err, claimdash.ErrClosed)
}

func TestInvalidOptions(t *testing.T) {
	_, err := claimdash.New(context.Background(), claimdash.WithLogger(zap.NewNop()), claimdash.WithRetry(0, time.Second, true))
	assert.Error(t, err)

	_, err = claimdash.New(context.Background(), claimdash.WithLogger(zap.NewNop()), claimdash.WithSerialization("xml"))
	assert.Error(t, err)
}
