package adapter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/factsync/internal/config"
	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/resilience"
)

func stub(id string) Func {
	return Func{Name: id, Fn: func(_ context.Context, _ Request) ([]model.SourceObservation, error) {
		return nil, nil
	}}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stub("yahoo"), DefaultLimits()))
	require.NoError(t, r.Register(stub("stooq"), Limits{}))

	err := r.Register(stub("yahoo"), DefaultLimits())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, r.Register(stub(""), DefaultLimits()))

	assert.Equal(t, []string{"stooq", "yahoo"}, r.IDs())
	assert.True(t, r.Has("yahoo"))
	assert.False(t, r.Has("ghost"))

	a, ok := r.Get("stooq")
	require.True(t, ok)
	assert.Equal(t, "stooq", a.ID())

	l, ok := r.Limits("stooq")
	require.True(t, ok)
	assert.Equal(t, 4, l.MaxConcurrency, "zero concurrency falls back to default")
	assert.Equal(t, 10*time.Second, l.Timeout)

	_, ok = r.Limits("ghost")
	assert.False(t, ok)
}

func TestRegistry_AcquireUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Acquire(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestRegistry_AcquireEnforcesCeiling(t *testing.T) {
	r := NewRegistry()
	l := DefaultLimits()
	l.MaxConcurrency = 2
	require.NoError(t, r.Register(stub("yahoo"), l))

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Acquire(context.Background(), "yahoo")
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRegistry_AcquireCancelled(t *testing.T) {
	r := NewRegistry()
	l := DefaultLimits()
	l.MaxConcurrency = 1
	require.NoError(t, r.Register(stub("yahoo"), l))

	release, err := r.Acquire(context.Background(), "yahoo")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "yahoo")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op

	release2, err := r.Acquire(context.Background(), "yahoo")
	require.NoError(t, err)
	release2()
}

func TestRegistry_ReportAdjustsRate(t *testing.T) {
	r := NewRegistry()
	l := DefaultLimits()
	l.RatePerSec = 10
	l.Burst = 10
	require.NoError(t, r.Register(stub("yahoo"), l))

	r.Report("yahoo", resilience.NewTransientError(errors.New("slow down"), 429))
	assert.InDelta(t, 5.0, float64(r.CurrentRate("yahoo")), 0.001)

	r.Report("yahoo", nil)
	assert.InDelta(t, 6.0, float64(r.CurrentRate("yahoo")), 0.001)

	// Non-429 failures leave the rate alone.
	r.Report("yahoo", resilience.NewTransientError(errors.New("boom"), 503))
	assert.InDelta(t, 6.0, float64(r.CurrentRate("yahoo")), 0.001)

	r.Report("ghost", nil)
	assert.Equal(t, rate.Limit(0), r.CurrentRate("ghost"))
}

func TestAdaptiveLimiter_Bounds(t *testing.T) {
	a := NewAdaptiveLimiter("yahoo", 8, 1)
	for i := 0; i < 20; i++ {
		a.OnSuccess()
	}
	assert.InDelta(t, 16.0, float64(a.Limit()), 0.001)

	for i := 0; i < 20; i++ {
		a.OnRateLimit()
	}
	assert.InDelta(t, 2.0, float64(a.Limit()), 0.001)
}

func TestAdaptiveLimiter_Unlimited(t *testing.T) {
	a := NewAdaptiveLimiter("yahoo", 0, 0)
	assert.Equal(t, rate.Inf, a.Limit())
	a.OnRateLimit()
	a.OnSuccess()
	assert.Equal(t, rate.Inf, a.Limit())
	require.NoError(t, a.Wait(context.Background()))
}

func TestLimitsFromConfig(t *testing.T) {
	l := LimitsFromConfig(config.AdapterConfig{
		ID:             "yahoo",
		MaxConcurrency: 3,
		RatePerSec:     2.5,
		Burst:          4,
		TimeoutMs:      1500,
		Retry:          config.RetryPolicy{Attempts: 5, Strategy: "fixed", InitialMs: 100},
		CostPerCallUSD: 0.002,
		EstLatencyMs:   800,
	})
	assert.Equal(t, 3, l.MaxConcurrency)
	assert.InDelta(t, 2.5, l.RatePerSec, 0.001)
	assert.Equal(t, 4, l.Burst)
	assert.Equal(t, 1500*time.Millisecond, l.Timeout)
	assert.Equal(t, 5, l.Retry.MaxAttempts)
	assert.Equal(t, resilience.StrategyFixed, l.Retry.Strategy)
	assert.Equal(t, 100*time.Millisecond, l.Retry.InitialBackoff)
	assert.InDelta(t, 0.002, l.CostPerCallUSD, 1e-9)
	assert.Equal(t, 800*time.Millisecond, l.EstLatency)

	d := LimitsFromConfig(config.AdapterConfig{ID: "stooq"})
	assert.Equal(t, DefaultLimits().MaxConcurrency, d.MaxConcurrency)
	assert.Equal(t, DefaultLimits().Timeout, d.Timeout)
	assert.Equal(t, 3, d.Retry.MaxAttempts)
}
