// Package orchestrator runs the adapters of an execution profile for one
// asset under bounded concurrency, retries failed calls per adapter policy,
// records every attempt and applies the fallback rule.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/factsync/internal/adapter"
	"github.com/sells-group/factsync/internal/metrics"
	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/resilience"
	"github.com/sells-group/factsync/internal/settings"
)

// ThresholdSource supplies the current reconciliation settings.
type ThresholdSource interface {
	Thresholds(ctx context.Context) (*settings.Thresholds, error)
}

// Options configures an Orchestrator.
type Options struct {
	Settings ThresholdSource
	Metrics  *metrics.Recorder
	// FallbackAdapter is used when a profile enables fallback without
	// naming an adapter.
	FallbackAdapter string
}

// Orchestrator fans out adapter calls for one asset at a time. It is safe
// for concurrent use; per-adapter ceilings are shared through the registry.
type Orchestrator struct {
	registry *adapter.Registry
	settings ThresholdSource
	metrics  *metrics.Recorder
	fallback string
}

// New creates an Orchestrator.
func New(reg *adapter.Registry, opts Options) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		settings: opts.Settings,
		metrics:  opts.Metrics,
		fallback: opts.FallbackAdapter,
	}
}

// Progress is emitted after each adapter finishes, including retries.
// Total counts the fallback adapter from the moment it is scheduled, so
// Percent reaches 100 only on the last event of a run.
type Progress struct {
	AssetID   string  `json:"asset_id"`
	Adapter   string  `json:"adapter"`
	Success   bool    `json:"success"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// RunResult is the outcome of one asset run. Observations gathered before
// a failure or cancellation are always returned.
type RunResult struct {
	RunID        string
	AssetID      string
	ProfileID    string
	Observations []model.SourceObservation
	Attempts     []model.ScraperRunRecord
	Succeeded    []string
	Failed       []string
	UsedFallback bool
	Status       model.SyncRunStatus
	Err          error
	Duration     time.Duration
}

// RunOption customizes a single Run call.
type RunOption func(*runOptions)

type runOptions struct {
	progress func(Progress)
	runID    string
}

// WithProgress registers a callback invoked after each adapter finishes.
func WithProgress(fn func(Progress)) RunOption {
	return func(o *runOptions) { o.progress = fn }
}

// WithRunID sets the run id recorded on every attempt.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// Run collects observations for assetID from every adapter in p. It returns
// an error only for invalid input; adapter failures and insufficient sources
// are reported on the result.
func (o *Orchestrator) Run(ctx context.Context, assetID string, p *model.Profile, fields []string, dr model.DateRange, opts ...RunOption) (*RunResult, error) {
	ro := runOptions{}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.runID == "" {
		ro.runID = uuid.NewString()
	}

	if assetID == "" {
		return nil, eris.Wrap(model.ErrInvalidRequest, "orchestrator: asset id is required")
	}
	if p == nil {
		return nil, eris.Wrap(model.ErrInvalidProfile, "orchestrator: profile is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for _, id := range p.Adapters {
		if !o.registry.Has(id) {
			return nil, eris.Wrapf(model.ErrInvalidProfile, "orchestrator: profile %s names unknown adapter %s", p.Name, id)
		}
	}

	th, err := o.thresholds(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	run := &runState{
		o:        o,
		id:       ro.runID,
		assetID:  assetID,
		profile:  p,
		th:       th,
		fields:   fieldSet(fields),
		req:      adapter.Request{AssetID: assetID, Fields: fields, Range: dr},
		progress: ro.progress,
		total:    len(p.Adapters),
	}
	if p.FallbackEnabled {
		run.fallbackID = o.fallbackFor(p)
	}

	log := zap.L().With(
		zap.String("run_id", run.id),
		zap.String("asset", assetID),
		zap.String("profile", p.Name),
	)
	log.Info("orchestrator: run started", zap.Strings("adapters", p.Adapters), zap.Int("max_scrapers", p.MaxScrapers))

	var g errgroup.Group
	g.SetLimit(p.MaxScrapers)
	for i, id := range p.Adapters {
		if ctx.Err() != nil {
			break
		}
		priority := i + 1
		g.Go(func() error {
			run.collect(ctx, id, priority, false)
			return nil
		})
	}
	_ = g.Wait()

	if run.usedFallback {
		log.Info("orchestrator: invoking fallback adapter",
			zap.String("adapter", run.fallbackID),
			zap.Int("succeeded", len(run.succeeded)),
			zap.Int("min_scrapers", p.MinScrapers),
		)
		run.collect(ctx, run.fallbackID, len(p.Adapters)+1, true)
	}

	res := run.result()
	res.Duration = time.Since(start)

	switch {
	case len(res.Succeeded) >= p.MinScrapers:
		res.Status = model.SyncComplete
	case ctx.Err() != nil:
		res.Status = model.SyncFailed
		res.Err = eris.Wrapf(ctx.Err(), "orchestrator: run %s cancelled", run.id)
	default:
		res.Status = model.SyncFailed
		res.Err = eris.Wrapf(model.ErrInsufficientSources, "orchestrator: %s: %d of %d required sources succeeded",
			assetID, len(res.Succeeded), p.MinScrapers)
	}
	o.metrics.RecordRun(res.Status, res.UsedFallback)

	fieldsLog := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Int("observations", len(res.Observations)),
		zap.Strings("succeeded", res.Succeeded),
		zap.Strings("failed", res.Failed),
		zap.Bool("fallback", res.UsedFallback),
		zap.Duration("duration", res.Duration),
	}
	if res.Err != nil {
		log.Warn("orchestrator: run finished", append(fieldsLog, zap.Error(res.Err))...)
	} else {
		log.Info("orchestrator: run finished", fieldsLog...)
	}
	return res, nil
}

func (o *Orchestrator) thresholds(ctx context.Context) (*settings.Thresholds, error) {
	if o.settings == nil {
		return settings.Default(), nil
	}
	th, err := o.settings.Thresholds(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: load thresholds")
	}
	return th, nil
}

// fallbackFor returns the fallback adapter for p, or "" when none is
// registered or it already ran as part of the profile.
func (o *Orchestrator) fallbackFor(p *model.Profile) string {
	fb := p.FallbackAdapter
	if fb == "" {
		fb = o.fallback
	}
	if fb == "" {
		zap.L().Warn("orchestrator: fallback enabled but no fallback adapter configured", zap.String("profile", p.Name))
		return ""
	}
	if p.Priority(fb) > 0 {
		return ""
	}
	if !o.registry.Has(fb) {
		zap.L().Warn("orchestrator: fallback adapter not registered", zap.String("adapter", fb))
		return ""
	}
	return fb
}

type runState struct {
	o        *Orchestrator
	id       string
	assetID  string
	profile  *model.Profile
	th       *settings.Thresholds
	fields   map[string]bool
	req      adapter.Request
	progress func(Progress)
	// fallbackID is the adapter to run when the profile adapters leave the
	// run short of MinScrapers, or "".
	fallbackID string

	mu           sync.Mutex
	total        int
	completed    int
	observations []model.SourceObservation
	attempts     []model.ScraperRunRecord
	succeeded    []string
	failed       []string
	usedFallback bool
}

// collect runs one adapter with retries and folds its outcome into the run.
func (r *runState) collect(ctx context.Context, adapterID string, priority int, fallback bool) {
	a, _ := r.o.registry.Get(adapterID)
	limits, _ := r.o.registry.Limits(adapterID)

	cfg := limits.Retry
	cfg.OnRetry = resilience.RetryLogger(adapterID, r.assetID)

	obs, err := resilience.DoVal(ctx, cfg, func(ctx context.Context, attempt int) ([]model.SourceObservation, error) {
		return r.attempt(ctx, a, limits, attempt, priority, fallback)
	})

	r.mu.Lock()
	if err == nil {
		r.observations = append(r.observations, obs...)
		r.succeeded = append(r.succeeded, adapterID)
	} else {
		r.failed = append(r.failed, adapterID)
	}
	r.completed++
	if !fallback && r.completed == len(r.profile.Adapters) && r.fallbackID != "" &&
		len(r.succeeded) < r.profile.MinScrapers && ctx.Err() == nil {
		r.total++
		r.usedFallback = true
	}
	p := Progress{
		AssetID:   r.assetID,
		Adapter:   adapterID,
		Success:   err == nil,
		Completed: r.completed,
		Total:     r.total,
		Percent:   float64(r.completed) / float64(r.total) * 100,
	}
	r.mu.Unlock()

	if err != nil {
		zap.L().Warn("orchestrator: adapter failed",
			zap.String("run_id", r.id),
			zap.String("asset", r.assetID),
			zap.String("adapter", adapterID),
			zap.String("error_kind", string(resilience.Classify(err))),
			zap.Error(err),
		)
	}
	if r.progress != nil {
		r.progress(p)
	}
}

// attempt performs one call under the adapter's concurrency slot, rate
// limit and timeout, and records it.
func (r *runState) attempt(ctx context.Context, a adapter.Adapter, limits adapter.Limits, attempt, priority int, fallback bool) ([]model.SourceObservation, error) {
	id := a.ID()
	start := time.Now()

	obs, err := func() ([]model.SourceObservation, error) {
		release, err := r.o.registry.Acquire(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "orchestrator: acquire %s", id)
		}
		defer release()

		callCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
		defer cancel()

		raw, err := a.Collect(callCtx, r.req)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = &resilience.AdapterError{Kind: model.ErrorKindTimeout, Err: err}
			}
			r.o.registry.Report(id, err)
			return nil, err
		}
		r.o.registry.Report(id, nil)
		return r.accept(id, raw, priority)
	}()

	latency := time.Since(start)
	kind := resilience.Classify(err)
	rec := model.ScraperRunRecord{
		ID:        uuid.NewString(),
		RunID:     r.id,
		AdapterID: id,
		AssetID:   r.assetID,
		Attempt:   attempt,
		Success:   err == nil,
		LatencyMs: latency.Milliseconds(),
		ErrorKind: kind,
		Fallback:  fallback,
		CreatedAt: start.UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	r.mu.Lock()
	r.attempts = append(r.attempts, rec)
	r.mu.Unlock()
	r.o.metrics.RecordAttempt(id, kind, latency)

	return obs, err
}

// accept validates raw observations and stamps provenance. Invalid entries
// are dropped; a call that yields nothing usable is a validation failure.
func (r *runState) accept(adapterID string, raw []model.SourceObservation, priority int) ([]model.SourceObservation, error) {
	now := time.Now().UTC()
	out := make([]model.SourceObservation, 0, len(raw))
	dropped := 0
	for _, o := range raw {
		o.Source = adapterID
		o.Priority = priority
		if o.ObservedAt.IsZero() {
			o.ObservedAt = now
		}
		if reason := r.invalid(o); reason != "" {
			dropped++
			zap.L().Debug("orchestrator: dropping observation",
				zap.String("adapter", adapterID),
				zap.String("asset", r.assetID),
				zap.String("field", o.Field),
				zap.String("reason", reason),
			)
			continue
		}
		o.RefDate = model.Truncate(o.RefDate)
		out = append(out, o)
	}
	if len(out) == 0 {
		return nil, resilience.NewValidationError(eris.Errorf("orchestrator: %s returned no usable observations (%d dropped)", adapterID, dropped))
	}
	return out, nil
}

func (r *runState) invalid(o model.SourceObservation) string {
	switch {
	case o.Field == "":
		return "missing field"
	case len(r.fields) > 0 && !r.fields[o.Field]:
		return "field not requested"
	case o.Value == "":
		return "empty value"
	case !o.Kind.Valid():
		return "unknown kind"
	case o.RefDate.IsZero():
		return "missing reference date"
	case !r.req.Range.Contains(model.Truncate(o.RefDate)):
		return "outside date range"
	case !r.th.IsText(o.Field) && !isDecimal(o.Value):
		return "not a decimal"
	}
	return ""
}

func (r *runState) result() *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	obs := append([]model.SourceObservation(nil), r.observations...)
	sort.SliceStable(obs, func(i, j int) bool {
		if !obs[i].RefDate.Equal(obs[j].RefDate) {
			return obs[i].RefDate.Before(obs[j].RefDate)
		}
		if obs[i].Field != obs[j].Field {
			return obs[i].Field < obs[j].Field
		}
		if obs[i].Priority != obs[j].Priority {
			return obs[i].Priority < obs[j].Priority
		}
		return obs[i].Source < obs[j].Source
	})

	return &RunResult{
		RunID:        r.id,
		AssetID:      r.assetID,
		ProfileID:    r.profile.ID,
		Observations: obs,
		Attempts:     append([]model.ScraperRunRecord(nil), r.attempts...),
		Succeeded:    sortedCopy(r.succeeded),
		Failed:       sortedCopy(r.failed),
		UsedFallback: r.usedFallback,
	}
}

func fieldSet(fields []string) map[string]bool {
	m := make(map[string]bool, len(fields))
	for _, f := range fields {
		m[f] = true
	}
	return m
}

func isDecimal(s string) bool {
	_, err := decimal.NewFromString(s)
	return err == nil
}

func sortedCopy(s []string) []string {
	out := append([]string{}, s...)
	sort.Strings(out)
	return out
}
