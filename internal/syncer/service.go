// Package syncer accepts sync requests and drives each asset through
// orchestration, reconciliation, discrepancy tracking and status updates.
package syncer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/factsync/internal/config"
	"github.com/sells-group/factsync/internal/metrics"
	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/orchestrator"
	"github.com/sells-group/factsync/internal/reconcile"
	"github.com/sells-group/factsync/internal/settings"
	"github.com/sells-group/factsync/internal/syncstatus"
)

// Store is the record and telemetry persistence the service writes.
type Store interface {
	GetFactRecord(ctx context.Context, assetID string, kind model.RecordKind, refDate string) (*model.FactRecord, error)
	SaveFactRecord(ctx context.Context, rec *model.FactRecord) error
	AppendScraperRuns(ctx context.Context, runs []model.ScraperRunRecord) error
}

// Runner collects observations for one asset.
type Runner interface {
	Run(ctx context.Context, assetID string, p *model.Profile, fields []string, dr model.DateRange, opts ...orchestrator.RunOption) (*orchestrator.RunResult, error)
}

// Profiles resolves the profile a request runs under.
type Profiles interface {
	Resolve(ctx context.Context, ref string) (*model.Profile, error)
	ApplyDefault(ctx context.Context, actor string) (*model.Profile, error)
}

// Discrepancies flags reconciled fields that disagree.
type Discrepancies interface {
	Track(ctx context.Context, rec *model.FactRecord, outcomes []reconcile.Outcome) ([]*model.DiscrepancyCandidate, error)
}

// ThresholdSource supplies reconciliation thresholds.
type ThresholdSource interface {
	Thresholds(ctx context.Context) (*settings.Thresholds, error)
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Store         Store
	Runner        Runner
	Profiles      Profiles
	Discrepancies Discrepancies
	Status        *syncstatus.Tracker
	Settings      ThresholdSource
	Metrics       *metrics.Recorder
}

// SyncRequest asks for one or more tickers to be synced.
type SyncRequest struct {
	Tickers   []string  `json:"tickers" validate:"required,min=1,dive,required"`
	ProfileID string    `json:"profile_id,omitempty"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	Actor     string    `json:"-"`
}

// Ack acknowledges an accepted request. Outcomes are visible through the
// status query only.
type Ack struct {
	RequestID string    `json:"request_id"`
	Tickers   []string  `json:"tickers"`
	ProfileID string    `json:"profile_id"`
	Profile   string    `json:"profile"`
	Bulk      bool      `json:"bulk"`
	Accepted  time.Time `json:"accepted_at"`
}

// AssetResult is the outcome of syncing one asset.
type AssetResult struct {
	Ticker       string              `json:"ticker"`
	RunID        string              `json:"run_id"`
	RunStatus    model.SyncRunStatus `json:"run_status"`
	Status       model.SyncStatus    `json:"status"`
	Observations int                 `json:"observations"`
	Records      int                 `json:"records"`
	Flagged      int                 `json:"flagged"`
	Err          error               `json:"-"`
}

// Service is the sync trigger API.
type Service struct {
	deps    Deps
	cfg     config.SyncConfig
	workers *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service. Background runs stop when Close is called.
func New(deps Deps, cfg config.SyncConfig) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxWriteRetries <= 0 {
		cfg.MaxWriteRetries = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		deps:    deps,
		cfg:     cfg,
		workers: semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RequestSync validates req, resolves its profile and starts the sync in
// the background. The ticker count is capped by sync.max_tickers_per_request.
func (s *Service) RequestSync(ctx context.Context, req SyncRequest) (*Ack, error) {
	return s.request(ctx, req, false)
}

// RequestBulkSync is RequestSync without the ticker cap. Assets run one at
// a time.
func (s *Service) RequestBulkSync(ctx context.Context, req SyncRequest) (*Ack, error) {
	return s.request(ctx, req, true)
}

// plan is a validated request ready to run.
type plan struct {
	req         SyncRequest
	profile     *model.Profile
	concurrency int
}

func (pl *plan) dateRange() model.DateRange {
	return model.DateRange{From: pl.req.From, To: pl.req.To}
}

func (s *Service) request(ctx context.Context, req SyncRequest, bulk bool) (*Ack, error) {
	pl, err := s.prepare(ctx, req, bulk)
	if err != nil {
		return nil, err
	}

	ack := &Ack{
		RequestID: uuid.NewString(),
		Tickers:   pl.req.Tickers,
		ProfileID: pl.profile.ID,
		Profile:   pl.profile.Name,
		Bulk:      bulk,
		Accepted:  time.Now().UTC(),
	}
	zap.L().Info("sync request accepted",
		zap.String("request_id", ack.RequestID),
		zap.Int("tickers", len(pl.req.Tickers)),
		zap.String("profile", pl.profile.Name),
		zap.Bool("bulk", bulk),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.SyncBatch(s.ctx, pl.req.Tickers, pl.profile, pl.req.Fields, pl.dateRange(), pl.concurrency)
	}()
	return ack, nil
}

// Sync validates req like RequestSync, then runs it in the foreground and
// returns one result per ticker.
func (s *Service) Sync(ctx context.Context, req SyncRequest, bulk bool) ([]AssetResult, *model.Profile, error) {
	pl, err := s.prepare(ctx, req, bulk)
	if err != nil {
		return nil, nil, err
	}
	return s.SyncBatch(ctx, pl.req.Tickers, pl.profile, pl.req.Fields, pl.dateRange(), pl.concurrency), pl.profile, nil
}

func (s *Service) prepare(ctx context.Context, req SyncRequest, bulk bool) (*plan, error) {
	req.Tickers = normalize(req.Tickers)
	if err := model.ValidateStruct(&req); err != nil {
		return nil, eris.Wrapf(model.ErrInvalidRequest, "syncer: %v", err)
	}
	if !bulk && s.cfg.MaxTickersPerRequest > 0 && len(req.Tickers) > s.cfg.MaxTickersPerRequest {
		return nil, eris.Wrapf(model.ErrInvalidRequest, "syncer: %d tickers exceeds the limit of %d; use a bulk sync", len(req.Tickers), s.cfg.MaxTickersPerRequest)
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.From.After(req.To) {
		return nil, eris.Wrap(model.ErrInvalidRequest, "syncer: from is after to")
	}

	p, err := s.profile(ctx, req)
	if err != nil {
		return nil, err
	}

	concurrency := p.AssetConcurrency
	if bulk || concurrency < 1 {
		concurrency = 1
	}
	return &plan{req: req, profile: p, concurrency: concurrency}, nil
}

func (s *Service) profile(ctx context.Context, req SyncRequest) (*model.Profile, error) {
	if req.ProfileID == "" {
		p, err := s.deps.Profiles.ApplyDefault(ctx, req.Actor)
		if err != nil {
			return nil, eris.Wrap(err, "syncer: default profile")
		}
		return p, nil
	}
	p, err := s.deps.Profiles.Resolve(ctx, req.ProfileID)
	if err != nil {
		return nil, eris.Wrapf(err, "syncer: profile %s", req.ProfileID)
	}
	return p, nil
}

// normalize upper-cases, trims and de-duplicates tickers, keeping order.
func normalize(tickers []string) []string {
	upper := cases.Upper(language.English)
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, t := range tickers {
		t = upper.String(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// SyncBatch syncs tickers with at most concurrency assets in flight and
// returns one result per ticker, in input order.
func (s *Service) SyncBatch(ctx context.Context, tickers []string, p *model.Profile, fields []string, dr model.DateRange, concurrency int) []AssetResult {
	results := make([]AssetResult, len(tickers))
	var failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(max(concurrency, 1))
	for i, ticker := range tickers {
		g.Go(func() error {
			res := s.SyncAsset(ctx, ticker, p, fields, dr)
			if res.Err != nil || res.Status == model.StatusFailed {
				failed.Add(1)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("sync batch complete",
		zap.Int("tickers", len(tickers)),
		zap.Int64("failed", failed.Load()),
		zap.String("profile", p.Name),
	)
	return results
}

// SyncAsset runs one asset end to end. Observations gathered before a
// failure or cancellation are still reconciled and stored.
func (s *Service) SyncAsset(ctx context.Context, ticker string, p *model.Profile, fields []string, dr model.DateRange) AssetResult {
	out := AssetResult{Ticker: ticker}
	log := zap.L().With(zap.String("asset", ticker), zap.String("profile", p.Name))

	if err := s.workers.Acquire(ctx, 1); err != nil {
		out.Err = eris.Wrap(err, "syncer: wait for worker")
		return out
	}
	defer s.workers.Release(1)

	run, err := s.deps.Status.Begin(ctx, ticker, p.ID)
	if err != nil {
		out.Err = err
		return out
	}
	out.RunID = run.ID
	// Bookkeeping after the run must survive a cancelled run context.
	persistCtx := context.WithoutCancel(ctx)

	runCtx := ctx
	if s.cfg.RunTimeoutSecs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.RunTimeoutSecs)*time.Second)
		defer cancel()
	}

	res, err := s.deps.Runner.Run(runCtx, ticker, p, fields, dr,
		orchestrator.WithRunID(run.ID),
		orchestrator.WithProgress(func(pr orchestrator.Progress) {
			s.deps.Status.Progress(persistCtx, ticker, pr.Adapter, pr.Completed, pr.Total)
		}),
	)
	if err != nil {
		run.Status = model.SyncFailed
		run.Error = err.Error()
		out.Err = err
		out.RunStatus = run.Status
		out.Status, _ = s.finish(persistCtx, run)
		log.Error("sync run rejected", zap.Error(err))
		return out
	}

	if err := s.deps.Store.AppendScraperRuns(persistCtx, res.Attempts); err != nil {
		log.Warn("syncer: append scraper runs failed", zap.Error(err))
	}

	records, flagged, perr := s.persist(persistCtx, ticker, res.Observations)
	out.Records = records
	out.Flagged = flagged
	out.Observations = len(res.Observations)

	run.Status = res.Status
	run.Observations = len(res.Observations)
	run.AdaptersOK = len(res.Succeeded)
	run.AdaptersFailed = len(res.Failed)
	switch {
	case perr != nil:
		run.Status = model.SyncFailed
		run.Error = perr.Error()
		out.Err = perr
	case res.Err != nil:
		run.Error = res.Err.Error()
		out.Err = res.Err
	}
	out.RunStatus = run.Status

	status, err := s.finish(persistCtx, run)
	if err != nil {
		log.Error("syncer: finish run failed", zap.Error(err))
	}
	out.Status = status

	log.Info("asset sync finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("observations", out.Observations),
		zap.Int("records", records),
		zap.Int("flagged", flagged),
		zap.Strings("succeeded", res.Succeeded),
		zap.Strings("failed", res.Failed),
		zap.Bool("fallback", res.UsedFallback),
	)
	return out
}

func (s *Service) finish(ctx context.Context, run *model.SyncRun) (model.SyncStatus, error) {
	return s.deps.Status.Finish(ctx, run)
}

// persist reconciles observations into their canonical records and flags
// disagreements. It returns the records written and candidates flagged.
func (s *Service) persist(ctx context.Context, ticker string, obs []model.SourceObservation) (int, int, error) {
	if len(obs) == 0 {
		return 0, 0, nil
	}
	th, err := s.deps.Settings.Thresholds(ctx)
	if err != nil {
		return 0, 0, eris.Wrap(err, "syncer: thresholds")
	}

	keys, groups := model.GroupObservations(obs)
	records, flagged := 0, 0
	var errs []error
	for _, k := range keys {
		rec, outcomes, err := s.write(ctx, ticker, k, groups[k], th)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records++

		if s.deps.Discrepancies == nil {
			continue
		}
		cs, err := s.deps.Discrepancies.Track(ctx, rec, outcomes)
		flagged += len(cs)
		if err != nil {
			zap.L().Warn("syncer: discrepancy tracking failed",
				zap.String("asset", ticker),
				zap.String("ref_date", k.RefDate),
				zap.Error(err),
			)
		}
	}
	return records, flagged, errors.Join(errs...)
}

// write merges fields into the stored record under optimistic versioning,
// re-reading and re-merging on each conflict.
func (s *Service) write(ctx context.Context, ticker string, k model.ObservationKey, fields map[string][]model.SourceObservation, th *settings.Thresholds) (*model.FactRecord, []reconcile.Outcome, error) {
	for attempt := 1; attempt <= s.cfg.MaxWriteRetries; attempt++ {
		rec, err := s.deps.Store.GetFactRecord(ctx, ticker, k.Kind, k.RefDate)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "syncer: load %s %s %s", ticker, k.Kind, k.RefDate)
		}
		if rec == nil {
			rec = model.NewFactRecord(ticker, k.Kind, k.RefDate)
		}

		outcomes := reconcile.Merge(rec, fields, th)
		err = s.deps.Store.SaveFactRecord(ctx, rec)
		if err == nil {
			return rec, outcomes, nil
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			return nil, nil, eris.Wrapf(err, "syncer: save %s %s %s", ticker, k.Kind, k.RefDate)
		}
		s.deps.Metrics.RecordWriteConflict()
		zap.L().Debug("syncer: record version conflict, retrying",
			zap.String("asset", ticker),
			zap.String("ref_date", k.RefDate),
			zap.Int("attempt", attempt),
		)
	}
	return nil, nil, eris.Wrapf(model.ErrReconciliationConflict, "syncer: %s %s %s after %d attempts", ticker, k.Kind, k.RefDate, s.cfg.MaxWriteRetries)
}

// Wait blocks until every accepted request has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close cancels background runs and waits for them to wind down. Runs that
// are cut short keep what they had collected.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
