// Package syncstatus derives per-asset sync state from stored record counts
// and the sync log, and emits progress notifications.
package syncstatus

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/notify"
	"github.com/sells-group/factsync/internal/settings"
)

// Store is the persistence the tracker reads and writes.
type Store interface {
	RecordStats(ctx context.Context) ([]model.RecordStats, error)
	StartSyncRun(ctx context.Context, assetID, profileID string) (*model.SyncRun, error)
	FinishSyncRun(ctx context.Context, run *model.SyncRun) error
	LatestSyncRuns(ctx context.Context) ([]model.SyncRun, error)
	FailStaleSyncRuns(ctx context.Context, startedBefore time.Time) (int, error)
}

// ThresholdSource supplies the synced threshold.
type ThresholdSource interface {
	Thresholds(ctx context.Context) (*settings.Thresholds, error)
}

// Tracker records sync runs and reports derived status.
type Tracker struct {
	store    Store
	settings ThresholdSource
	notifier notify.Notifier
	now      func() time.Time
}

// NewTracker creates a Tracker. A nil notifier discards events and nil
// settings use the defaults.
func NewTracker(st Store, ts ThresholdSource, n notify.Notifier) *Tracker {
	if n == nil {
		n = notify.Nop{}
	}
	return &Tracker{store: st, settings: ts, notifier: n, now: time.Now}
}

// Begin opens a running sync-log row for ticker.
func (t *Tracker) Begin(ctx context.Context, ticker, profileID string) (*model.SyncRun, error) {
	run, err := t.store.StartSyncRun(ctx, ticker, profileID)
	if err != nil {
		return nil, eris.Wrapf(err, "syncstatus: begin %s", ticker)
	}
	return run, nil
}

// Progress emits a sync:progress event after an adapter completes.
func (t *Tracker) Progress(ctx context.Context, ticker, adapterID string, completed, total int) {
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	t.notifier.Notify(ctx, notify.Event{
		Type:              notify.EventProgress,
		Ticker:            ticker,
		Percent:           pct,
		AdaptersCompleted: completed,
		AdaptersTotal:     total,
		Adapter:           adapterID,
		At:                t.now().UTC(),
	})
}

// Finish closes run, derives the asset's new status and emits sync:complete.
// run.Status must be complete or failed.
func (t *Tracker) Finish(ctx context.Context, run *model.SyncRun) (model.SyncStatus, error) {
	if run.Status == model.SyncRunning {
		return "", eris.Wrapf(model.ErrInvalidRequest, "syncstatus: finish %s with status running", run.ID)
	}
	if err := t.store.FinishSyncRun(ctx, run); err != nil {
		return "", eris.Wrapf(err, "syncstatus: finish %s", run.AssetID)
	}

	st, err := t.Status(ctx, run.AssetID)
	if err != nil {
		return "", err
	}
	t.notifier.Notify(ctx, notify.Event{
		Type:   notify.EventComplete,
		Ticker: run.AssetID,
		Status: st.Status,
		Error:  run.Error,
		At:     t.now().UTC(),
	})
	return st.Status, nil
}

// Status returns the derived status of one ticker.
func (t *Tracker) Status(ctx context.Context, ticker string) (model.AssetStatus, error) {
	all, err := t.Statuses(ctx)
	if err != nil {
		return model.AssetStatus{}, err
	}
	for _, s := range all {
		if s.Ticker == ticker {
			return s, nil
		}
	}
	return model.AssetStatus{Ticker: ticker, Status: model.StatusPending}, nil
}

// Statuses returns every ticker that has records or sync history, sorted
// by ticker.
func (t *Tracker) Statuses(ctx context.Context) ([]model.AssetStatus, error) {
	stats, err := t.store.RecordStats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "syncstatus: record stats")
	}
	runs, err := t.store.LatestSyncRuns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "syncstatus: latest runs")
	}
	threshold := settings.Default().SyncedThreshold
	if t.settings != nil {
		th, err := t.settings.Thresholds(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "syncstatus: thresholds")
		}
		threshold = th.SyncedThreshold
	}

	byTicker := make(map[string]*model.AssetStatus)
	get := func(ticker string) *model.AssetStatus {
		s, ok := byTicker[ticker]
		if !ok {
			s = &model.AssetStatus{Ticker: ticker}
			byTicker[ticker] = s
		}
		return s
	}
	for _, rs := range stats {
		s := get(rs.AssetID)
		s.RecordsLoaded = rs.Count
		s.OldestDate = rs.OldestDate
		s.NewestDate = rs.NewestDate
	}
	latest := make(map[string]*model.SyncRun, len(runs))
	for i := range runs {
		r := &runs[i]
		latest[r.AssetID] = r
		s := get(r.AssetID)
		at := r.StartedAt
		if r.CompletedAt != nil {
			at = *r.CompletedAt
		}
		s.LastSyncAt = &at
		s.LastSyncDuration = time.Duration(r.DurationMs) * time.Millisecond
	}

	out := make([]model.AssetStatus, 0, len(byTicker))
	for ticker, s := range byTicker {
		s.Status = Derive(latest[ticker], s.RecordsLoaded, threshold)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

// RecoverStale fails running rows started before cutoff, left behind by a
// crashed process.
func (t *Tracker) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := t.store.FailStaleSyncRuns(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "syncstatus: recover stale runs")
	}
	if n > 0 {
		zap.L().Warn("marked abandoned sync runs as failed", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Derive computes an asset's status from its latest run and record count.
func Derive(latest *model.SyncRun, records, syncedThreshold int) model.SyncStatus {
	switch {
	case latest != nil && latest.Status == model.SyncRunning:
		return model.StatusInProgress
	case latest != nil && latest.Status == model.SyncFailed:
		return model.StatusFailed
	case records == 0:
		return model.StatusPending
	case records < syncedThreshold:
		return model.StatusPartial
	default:
		return model.StatusSynced
	}
}
