package profile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factsync/internal/cost"
	"github.com/sells-group/factsync/internal/model"
)

const (
	// defaultSuccessRate is assumed for adapters without enough telemetry.
	defaultSuccessRate = 0.9
	// minSamples is the telemetry needed before observed rates replace
	// configured estimates.
	minSamples = 5
	// lowSuccessRate triggers a preview warning.
	lowSuccessRate = 0.5

	highConfidence   = 0.95
	mediumConfidence = 0.75
)

// PreviewRequest describes a candidate adapter set.
type PreviewRequest struct {
	Adapters    []string `json:"adapters" validate:"required,min=1,unique,dive,required"`
	MinScrapers int      `json:"min_scrapers" validate:"gte=0"`
	MaxScrapers int      `json:"max_scrapers" validate:"gte=0"`
	// TestTicker, when set, triggers one live run that is not persisted.
	TestTicker string   `json:"test_ticker,omitempty"`
	Fields     []string `json:"fields,omitempty"`
}

type adapterEstimate struct {
	id          string
	successRate float64
	attempts    float64
	latency     time.Duration
	observed    bool
	samples     int
}

type estimate struct {
	adapters []adapterEstimate
	duration time.Duration
	costUSD  float64
}

// Preview estimates duration, cost and the chance of reaching the minimum
// number of sources for a candidate adapter set.
func (m *Manager) Preview(ctx context.Context, req PreviewRequest) (*model.ImpactAnalysis, error) {
	if err := model.ValidateStruct(&req); err != nil {
		return nil, eris.Wrapf(model.ErrInvalidRequest, "profile: preview: %v", err)
	}
	if req.MinScrapers == 0 {
		req.MinScrapers = 1
	}
	if req.MaxScrapers == 0 {
		req.MaxScrapers = len(req.Adapters)
	}
	if req.MaxScrapers < req.MinScrapers {
		return nil, eris.Wrapf(model.ErrInvalidRequest, "profile: preview: max_scrapers %d below min_scrapers %d", req.MaxScrapers, req.MinScrapers)
	}
	if m.catalog != nil {
		for _, a := range req.Adapters {
			if !m.catalog.Has(a) {
				return nil, eris.Wrapf(model.ErrInvalidProfile, "profile: preview: unknown adapter %s", a)
			}
		}
	}

	stats := m.recentStats(ctx)
	est := m.estimate(req.Adapters, req.MaxScrapers, stats)

	probs := make([]float64, len(est.adapters))
	expected := 0.0
	for i, a := range est.adapters {
		probs[i] = succeedWithin(a.successRate, m.maxAttempts(a.id))
		expected += probs[i]
	}
	reach := atLeast(probs, req.MinScrapers)

	out := &model.ImpactAnalysis{
		Adapters:          append([]string(nil), req.Adapters...),
		EstimatedDuration: est.duration,
		EstimatedCostUSD:  est.costUSD,
		MinSources:        req.MinScrapers,
		MaxSources:        len(req.Adapters),
		ExpectedSources:   expected,
		ConfidenceLevel:   confidence(reach),
		Warnings:          []string{},
	}

	if len(req.Adapters) < req.MinScrapers {
		out.Warnings = append(out.Warnings, fmt.Sprintf("only %d adapters selected for a minimum of %d sources", len(req.Adapters), req.MinScrapers))
	}
	for _, a := range est.adapters {
		switch {
		case !a.observed:
			out.Warnings = append(out.Warnings, fmt.Sprintf("no recent telemetry for %s; using configured estimates", a.id))
		case a.successRate < lowSuccessRate:
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s succeeded in %.0f%% of %d recent attempts", a.id, a.successRate*100, a.samples))
		}
	}
	if out.ConfidenceLevel != model.ConfidenceHigh {
		out.Warnings = append(out.Warnings, fmt.Sprintf("probability of reaching %d sources is %.2f", req.MinScrapers, reach))
	}

	if req.TestTicker != "" {
		run, err := m.testRun(ctx, req)
		if err != nil {
			return nil, err
		}
		out.TestRun = run
		if run.Status == model.SyncFailed {
			out.Warnings = append(out.Warnings, fmt.Sprintf("test run for %s failed: %s", run.Ticker, strings.Join(run.Failed, ", ")))
		}
	}
	return out, nil
}

func (m *Manager) testRun(ctx context.Context, req PreviewRequest) (*model.TestRunSummary, error) {
	if m.runner == nil {
		return nil, eris.Wrap(model.ErrInvalidRequest, "profile: preview: live test runs are not available")
	}
	p := &model.Profile{
		Name:        "preview",
		MinScrapers: min(req.MinScrapers, len(req.Adapters)),
		MaxScrapers: req.MaxScrapers,
		Adapters:    req.Adapters,
	}
	ticker := strings.ToUpper(strings.TrimSpace(req.TestTicker))
	res, err := m.runner.Run(ctx, ticker, p, req.Fields, model.DateRange{})
	if err != nil {
		return nil, eris.Wrap(err, "profile: preview test run")
	}
	zap.L().Info("preview test run finished",
		zap.String("ticker", ticker),
		zap.Strings("succeeded", res.Succeeded),
		zap.Strings("failed", res.Failed),
		zap.Duration("duration", res.Duration),
	)
	return &model.TestRunSummary{
		Ticker:       ticker,
		Succeeded:    res.Succeeded,
		Failed:       res.Failed,
		Observations: len(res.Observations),
		Duration:     res.Duration,
		Status:       res.Status,
	}, nil
}

// recentStats returns telemetry keyed by adapter. Failures degrade to
// configured estimates.
func (m *Manager) recentStats(ctx context.Context) map[string]model.AdapterStats {
	rows, err := m.store.AdapterStats(ctx, m.now().Add(-m.statsWindow))
	if err != nil {
		zap.L().Warn("profile: adapter stats unavailable", zap.Error(err))
		return nil
	}
	out := make(map[string]model.AdapterStats, len(rows))
	for _, r := range rows {
		out[r.AdapterID] = r
	}
	return out
}

// estimate computes expected attempts, latency and cost per adapter, then a
// greedy schedule over slots concurrent scrapers.
func (m *Manager) estimate(adapters []string, slots int, stats map[string]model.AdapterStats) estimate {
	est := estimate{adapters: make([]adapterEstimate, 0, len(adapters))}
	durations := make([]time.Duration, 0, len(adapters))
	attempts := make(map[string]float64, len(adapters))

	for _, id := range adapters {
		a := adapterEstimate{id: id, successRate: defaultSuccessRate, latency: m.calc.Latency(id)}
		if s, ok := stats[id]; ok && s.Attempts >= minSamples {
			a.observed = true
			a.samples = s.Attempts
			a.successRate = s.SuccessRate()
			if s.AvgLatencyMs > 0 {
				a.latency = time.Duration(s.AvgLatencyMs * float64(time.Millisecond))
			}
		}
		a.attempts = cost.ExpectedAttempts(a.successRate, m.maxAttempts(id))
		attempts[id] = a.attempts
		durations = append(durations, time.Duration(a.attempts*float64(a.latency)))
		est.adapters = append(est.adapters, a)
	}

	est.duration = cost.Makespan(durations, slots)
	est.costUSD = m.calc.Run(attempts)
	return est
}

func (m *Manager) maxAttempts(id string) int {
	if m.catalog != nil {
		if l, ok := m.catalog.Limits(id); ok && l.Retry.MaxAttempts > 0 {
			return l.Retry.MaxAttempts
		}
	}
	return 3
}

// succeedWithin is the chance that at least one of n tries succeeds.
func succeedWithin(p float64, n int) float64 {
	fail := 1.0
	for i := 0; i < n; i++ {
		fail *= 1 - p
	}
	return 1 - fail
}

// atLeast returns the probability that at least k of the independent
// events with probabilities probs occur.
func atLeast(probs []float64, k int) float64 {
	if k <= 0 {
		return 1
	}
	if k > len(probs) {
		return 0
	}
	// dist[j] is the probability of exactly j successes so far.
	dist := make([]float64, len(probs)+1)
	dist[0] = 1
	for i, p := range probs {
		for j := i + 1; j > 0; j-- {
			dist[j] = dist[j]*(1-p) + dist[j-1]*p
		}
		dist[0] *= 1 - p
	}
	total := 0.0
	for j := k; j < len(dist); j++ {
		total += dist[j]
	}
	return total
}

func confidence(p float64) model.ConfidenceLevel {
	switch {
	case p >= highConfidence:
		return model.ConfidenceHigh
	case p >= mediumConfidence:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}
