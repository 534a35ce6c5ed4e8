package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/factsync/internal/model"
)

// AdapterHealth is one adapter's attempt record within the lookback window.
type AdapterHealth struct {
	AdapterID    string  `json:"adapter_id"`
	Attempts     int     `json:"attempts"`
	Successes    int     `json:"successes"`
	FailureRate  float64 `json:"failure_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Latest sync run per asset, counted when it started within the window.
	SyncTotal    int      `json:"sync_total"`
	SyncComplete int      `json:"sync_complete"`
	SyncFailed   int      `json:"sync_failed"`
	SyncRunning  int      `json:"sync_running"`
	SyncFailRate float64  `json:"sync_fail_rate"`
	FailedAssets []string `json:"failed_assets,omitempty"`

	Adapters []AdapterHealth `json:"adapters"`

	OpenDiscrepancies int `json:"open_discrepancies"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the read side of the store the collector needs.
type Source interface {
	AdapterStats(ctx context.Context, since time.Time) ([]model.AdapterStats, error)
	LatestSyncRuns(ctx context.Context) ([]model.SyncRun, error)
	CountOpenCandidates(ctx context.Context) (int, error)
}

// Collector gathers health metrics from the store.
type Collector struct {
	src Source
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.src.LatestSyncRuns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest sync runs")
	}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.SyncTotal++
		switch r.Status {
		case model.SyncComplete:
			snap.SyncComplete++
		case model.SyncFailed:
			snap.SyncFailed++
			snap.FailedAssets = append(snap.FailedAssets, r.AssetID)
		case model.SyncRunning:
			snap.SyncRunning++
		}
	}
	if finished := snap.SyncComplete + snap.SyncFailed; finished > 0 {
		snap.SyncFailRate = float64(snap.SyncFailed) / float64(finished)
	}
	sort.Strings(snap.FailedAssets)

	stats, err := c.src.AdapterStats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: adapter stats")
	}
	snap.Adapters = make([]AdapterHealth, 0, len(stats))
	for _, s := range stats {
		h := AdapterHealth{
			AdapterID:    s.AdapterID,
			Attempts:     s.Attempts,
			Successes:    s.Successes,
			AvgLatencyMs: s.AvgLatencyMs,
		}
		if s.Attempts > 0 {
			h.FailureRate = 1 - s.SuccessRate()
		}
		snap.Adapters = append(snap.Adapters, h)
	}
	sort.Slice(snap.Adapters, func(i, j int) bool { return snap.Adapters[i].AdapterID < snap.Adapters[j].AdapterID })

	open, err := c.src.CountOpenCandidates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count open discrepancies")
	}
	snap.OpenDiscrepancies = open

	return snap, nil
}
