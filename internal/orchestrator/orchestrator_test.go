package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/factsync/internal/adapter"
	"github.com/sells-group/factsync/internal/metrics"
	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/resilience"
	"github.com/sells-group/factsync/internal/settings"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func fastLimits() adapter.Limits {
	l := adapter.DefaultLimits()
	l.Timeout = time.Second
	l.Retry = resilience.RetryConfig{
		MaxAttempts:    2,
		Strategy:       resilience.StrategyFixed,
		InitialBackoff: time.Millisecond,
	}
	return l
}

func returns(id, value string) adapter.Func {
	return adapter.Func{Name: id, Fn: func(_ context.Context, req adapter.Request) ([]model.SourceObservation, error) {
		return []model.SourceObservation{{
			Field:   "close",
			Value:   value,
			Kind:    model.KindPrice,
			RefDate: day,
		}}, nil
	}}
}

func fails(id string, err error) adapter.Func {
	return adapter.Func{Name: id, Fn: func(context.Context, adapter.Request) ([]model.SourceObservation, error) {
		return nil, err
	}}
}

func newTestOrchestrator(t *testing.T, opts Options, adapters ...adapter.Adapter) *Orchestrator {
	t.Helper()
	reg := adapter.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a, fastLimits()))
	}
	return New(reg, opts)
}

func profile(min, max int, adapters ...string) *model.Profile {
	return &model.Profile{
		ID:          "p1",
		Name:        "test",
		MinScrapers: min,
		MaxScrapers: max,
		Adapters:    adapters,
	}
}

func TestRun_FailedAdaptersDoNotFailRun(t *testing.T) {
	o := newTestOrchestrator(t, Options{},
		fails("a", resilience.NewValidationError(errors.New("bad page"))),
		fails("b", resilience.NewNetworkError(errors.New("reset"))),
		returns("c", "37.60"),
		returns("d", "37.55"),
	)

	res, err := o.Run(context.Background(), "AAPL", profile(2, 4, "a", "b", "c", "d"), []string{"close"}, model.DateRange{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncComplete, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"c", "d"}, res.Succeeded)
	assert.Equal(t, []string{"a", "b"}, res.Failed)
	require.Len(t, res.Observations, 2)
	assert.Equal(t, "c", res.Observations[0].Source)
	assert.Equal(t, 3, res.Observations[0].Priority)
	assert.Equal(t, 4, res.Observations[1].Priority)

	// a is not retried (validation), b is retried once (network).
	perAdapter := map[string]int{}
	for _, at := range res.Attempts {
		perAdapter[at.AdapterID]++
		assert.Equal(t, res.RunID, at.RunID)
		assert.Equal(t, "AAPL", at.AssetID)
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 1, "d": 1}, perAdapter)
}

func TestRun_InsufficientSourcesKeepsObservations(t *testing.T) {
	o := newTestOrchestrator(t, Options{},
		returns("a", "37.60"),
		fails("b", resilience.NewValidationError(errors.New("bad"))),
	)

	res, err := o.Run(context.Background(), "AAPL", profile(2, 2, "a", "b"), nil, model.DateRange{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncFailed, res.Status)
	assert.ErrorIs(t, res.Err, model.ErrInsufficientSources)
	assert.Len(t, res.Observations, 1)
	assert.False(t, res.UsedFallback)
}

func TestRun_FallbackFromProfile(t *testing.T) {
	o := newTestOrchestrator(t, Options{},
		returns("a", "37.60"),
		fails("b", resilience.NewValidationError(errors.New("bad"))),
		returns("backup", "37.58"),
	)
	p := profile(2, 2, "a", "b")
	p.FallbackEnabled = true
	p.FallbackAdapter = "backup"

	res, err := o.Run(context.Background(), "AAPL", p, nil, model.DateRange{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncComplete, res.Status)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, []string{"a", "backup"}, res.Succeeded)

	var fb *model.ScraperRunRecord
	for i := range res.Attempts {
		if res.Attempts[i].AdapterID == "backup" {
			fb = &res.Attempts[i]
		}
	}
	require.NotNil(t, fb)
	assert.True(t, fb.Fallback)

	for _, ob := range res.Observations {
		if ob.Source == "backup" {
			assert.Equal(t, 3, ob.Priority)
		}
	}
}

func TestRun_FallbackFromOptionsAndStillInsufficient(t *testing.T) {
	o := newTestOrchestrator(t, Options{FallbackAdapter: "backup"},
		fails("a", resilience.NewValidationError(errors.New("bad"))),
		fails("backup", resilience.NewValidationError(errors.New("bad"))),
	)
	p := profile(1, 1, "a")
	p.FallbackEnabled = true

	res, err := o.Run(context.Background(), "AAPL", p, nil, model.DateRange{})
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, model.SyncFailed, res.Status)
	assert.ErrorIs(t, res.Err, model.ErrInsufficientSources)
}

func TestRun_FallbackDisabledIsNotInvoked(t *testing.T) {
	var called int32
	backup := adapter.Func{Name: "backup", Fn: func(context.Context, adapter.Request) ([]model.SourceObservation, error) {
		atomic.AddInt32(&called, 1)
		return nil, nil
	}}
	o := newTestOrchestrator(t, Options{FallbackAdapter: "backup"}, fails("a", resilience.NewValidationError(errors.New("bad"))), backup)

	res, err := o.Run(context.Background(), "AAPL", profile(1, 1, "a"), nil, model.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncFailed, res.Status)
	assert.Zero(t, atomic.LoadInt32(&called))
}

func TestRun_InvalidInput(t *testing.T) {
	o := newTestOrchestrator(t, Options{}, returns("a", "1"))

	_, err := o.Run(context.Background(), "AAPL", profile(1, 1, "a", "ghost"), nil, model.DateRange{})
	assert.ErrorIs(t, err, model.ErrInvalidProfile)

	_, err = o.Run(context.Background(), "AAPL", profile(2, 2, "a"), nil, model.DateRange{})
	assert.ErrorIs(t, err, model.ErrInvalidProfile)

	_, err = o.Run(context.Background(), "AAPL", nil, nil, model.DateRange{})
	assert.ErrorIs(t, err, model.ErrInvalidProfile)

	_, err = o.Run(context.Background(), "", profile(1, 1, "a"), nil, model.DateRange{})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestRun_BoundedPool(t *testing.T) {
	var inFlight, peak int32
	mk := func(id string) adapter.Func {
		return adapter.Func{Name: id, Fn: func(context.Context, adapter.Request) ([]model.SourceObservation, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return []model.SourceObservation{{Field: "close", Value: "1", Kind: model.KindPrice, RefDate: day}}, nil
		}}
	}
	o := newTestOrchestrator(t, Options{}, mk("a"), mk("b"), mk("c"), mk("d"), mk("e"))

	res, err := o.Run(context.Background(), "AAPL", profile(1, 2, "a", "b", "c", "d", "e"), nil, model.DateRange{})
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 5)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestRun_PerCallTimeout(t *testing.T) {
	slow := adapter.Func{Name: "slow", Fn: func(ctx context.Context, _ adapter.Request) ([]model.SourceObservation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	reg := adapter.NewRegistry()
	l := fastLimits()
	l.Timeout = 20 * time.Millisecond
	l.Retry.MaxAttempts = 1
	require.NoError(t, reg.Register(slow, l))
	require.NoError(t, reg.Register(returns("a", "1"), fastLimits()))
	o := New(reg, Options{})

	res, err := o.Run(context.Background(), "AAPL", profile(1, 2, "a", "slow"), nil, model.DateRange{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncComplete, res.Status)
	assert.Equal(t, []string{"slow"}, res.Failed)
	for _, at := range res.Attempts {
		if at.AdapterID == "slow" {
			assert.Equal(t, model.ErrorKindTimeout, at.ErrorKind)
			assert.False(t, at.Success)
		}
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	var calls int32
	flaky := adapter.Func{Name: "flaky", Fn: func(context.Context, adapter.Request) ([]model.SourceObservation, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, resilience.NewTransientError(errors.New("503"), 503)
		}
		return []model.SourceObservation{{Field: "close", Value: "10", Kind: model.KindPrice, RefDate: day}}, nil
	}}
	o := newTestOrchestrator(t, Options{Metrics: metrics.New()}, flaky)

	res, err := o.Run(context.Background(), "AAPL", profile(1, 1, "flaky"), nil, model.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, model.SyncComplete, res.Status)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, 1, res.Attempts[0].Attempt)
	assert.False(t, res.Attempts[0].Success)
	assert.Equal(t, model.ErrorKindNetwork, res.Attempts[0].ErrorKind)
	assert.Equal(t, 2, res.Attempts[1].Attempt)
	assert.True(t, res.Attempts[1].Success)
}

func TestRun_CancellationKeepsObservations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocked := adapter.Func{Name: "blocked", Fn: func(ctx context.Context, _ adapter.Request) ([]model.SourceObservation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	first := adapter.Func{Name: "first", Fn: func(context.Context, adapter.Request) ([]model.SourceObservation, error) {
		time.Sleep(10 * time.Millisecond)
		return []model.SourceObservation{{Field: "close", Value: "10", Kind: model.KindPrice, RefDate: day}}, nil
	}}
	o := newTestOrchestrator(t, Options{}, first, blocked)

	res, err := o.Run(ctx, "AAPL", profile(2, 2, "first", "blocked"), nil, model.DateRange{},
		WithProgress(func(p Progress) {
			if p.Adapter == "first" {
				cancel()
			}
		}))
	require.NoError(t, err)

	assert.Equal(t, model.SyncFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Len(t, res.Observations, 1)
	assert.Equal(t, []string{"blocked"}, res.Failed)
}

func TestRun_CancelledAfterEnoughSourcesCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := newTestOrchestrator(t, Options{}, returns("a", "10.00"), returns("b", "10.01"))
	res, err := o.Run(ctx, "AAPL", profile(2, 2, "a", "b"), nil, model.DateRange{},
		WithProgress(func(p Progress) {
			if p.Completed == p.Total {
				cancel()
			}
		}))
	require.NoError(t, err)

	require.Error(t, ctx.Err())
	assert.Equal(t, model.SyncComplete, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"a", "b"}, res.Succeeded)
	assert.Len(t, res.Observations, 2)
}

func TestRun_ValidatesObservations(t *testing.T) {
	th := settings.Default()
	th.Fields["sector"] = settings.FieldRule{Text: true}
	src := &staticThresholds{t: th}

	mixed := adapter.Func{Name: "mixed", Fn: func(context.Context, adapter.Request) ([]model.SourceObservation, error) {
		return []model.SourceObservation{
			{Field: "close", Value: "10.5", Kind: model.KindPrice, RefDate: day},
			{Field: "close", Value: "n/a", Kind: model.KindPrice, RefDate: day},
			{Field: "sector", Value: "Technology", Kind: model.KindFundamental, RefDate: day},
			{Field: "volume", Value: "100", Kind: model.KindPrice, RefDate: day},
			{Field: "close", Value: "11", Kind: model.KindPrice, RefDate: day.AddDate(0, 0, -10)},
			{Field: "close", Value: "12", Kind: model.KindPrice},
			{Field: "close", Value: "", Kind: model.KindPrice, RefDate: day},
			{Field: "close", Value: "13", Kind: "bogus", RefDate: day},
			{Source: "spoofed", Field: "close", Value: "14", Kind: model.KindPrice, RefDate: day.Add(15 * time.Hour)},
		}, nil
	}}
	empty := adapter.Func{Name: "empty", Fn: func(context.Context, adapter.Request) ([]model.SourceObservation, error) {
		return []model.SourceObservation{{Field: "volume", Value: "1", Kind: model.KindPrice, RefDate: day}}, nil
	}}
	o := newTestOrchestrator(t, Options{Settings: src}, mixed, empty)

	res, err := o.Run(context.Background(), "AAPL", profile(1, 2, "mixed", "empty"), []string{"close", "sector"},
		model.DateRange{From: day.AddDate(0, 0, -1), To: day})
	require.NoError(t, err)

	require.Len(t, res.Observations, 3)
	for _, ob := range res.Observations {
		assert.Equal(t, "mixed", ob.Source, "source is always the adapter id")
		assert.Equal(t, day, ob.RefDate)
		assert.False(t, ob.ObservedAt.IsZero())
	}
	assert.Equal(t, []string{"empty"}, res.Failed)
	for _, at := range res.Attempts {
		if at.AdapterID == "empty" {
			assert.Equal(t, model.ErrorKindValidation, at.ErrorKind)
		}
	}
}

func TestRun_Progress(t *testing.T) {
	var mu sync.Mutex
	var events []Progress
	o := newTestOrchestrator(t, Options{}, returns("a", "1"), returns("b", "1"), fails("c", resilience.NewValidationError(errors.New("x"))))

	_, err := o.Run(context.Background(), "AAPL", profile(1, 3, "a", "b", "c"), nil, model.DateRange{},
		WithRunID("run-1"),
		WithProgress(func(p Progress) {
			mu.Lock()
			events = append(events, p)
			mu.Unlock()
		}))
	require.NoError(t, err)

	require.Len(t, events, 3)
	completed := map[int]bool{}
	successes := 0
	for _, e := range events {
		assert.Equal(t, "AAPL", e.AssetID)
		assert.Equal(t, 3, e.Total)
		completed[e.Completed] = true
		if e.Success {
			successes++
		}
		if e.Completed == 3 {
			assert.InDelta(t, 100.0, e.Percent, 0.001)
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, completed)
	assert.Equal(t, 2, successes)
}

func TestRun_ProgressWithFallback(t *testing.T) {
	var mu sync.Mutex
	var events []Progress
	o := newTestOrchestrator(t, Options{},
		returns("a", "37.60"),
		fails("b", resilience.NewValidationError(errors.New("x"))),
		returns("backup", "37.58"),
	)
	p := profile(2, 2, "a", "b")
	p.FallbackEnabled = true
	p.FallbackAdapter = "backup"

	res, err := o.Run(context.Background(), "AAPL", p, nil, model.DateRange{},
		WithProgress(func(ev Progress) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}))
	require.NoError(t, err)
	require.True(t, res.UsedFallback)

	require.Len(t, events, 3)
	last := events[2]
	assert.Equal(t, "backup", last.Adapter)
	assert.Equal(t, 3, last.Completed)
	assert.Equal(t, 3, last.Total)
	assert.InDelta(t, 100.0, last.Percent, 0.001)
	for _, e := range events[:2] {
		assert.Less(t, e.Percent, 100.0, "%s reported completion before the fallback ran", e.Adapter)
		assert.LessOrEqual(t, e.Completed, e.Total)
	}
}

type staticThresholds struct{ t *settings.Thresholds }

func (s *staticThresholds) Thresholds(context.Context) (*settings.Thresholds, error) {
	return s.t.Clone(), nil
}
