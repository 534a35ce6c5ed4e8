// Package metrics exposes Prometheus counters and histograms for adapter
// attempts, asset runs and discrepancies.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/factsync/internal/model"
)

// Recorder records engine metrics. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	reg            *prometheus.Registry
	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	runs           *prometheus.CounterVec
	discrepancies  *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	writeConflicts prometheus.Counter
}

// New creates a Recorder registered on its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factsync_adapter_attempts_total",
				Help: "Adapter call attempts by outcome.",
			},
			[]string{"adapter", "result"},
		),
		attemptLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "factsync_adapter_attempt_duration_seconds",
				Help:    "Duration of adapter call attempts.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"adapter"},
		),
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factsync_asset_runs_total",
				Help: "Asset orchestration runs by final status.",
			},
			[]string{"status", "fallback"},
		),
		discrepancies: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factsync_discrepancies_flagged_total",
				Help: "Discrepancy candidates flagged by severity.",
			},
			[]string{"severity"},
		),
		resolutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factsync_discrepancy_resolutions_total",
				Help: "Discrepancy resolutions by method.",
			},
			[]string{"method"},
		),
		writeConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "factsync_record_write_conflicts_total",
			Help: "Optimistic version conflicts on canonical record writes.",
		}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordAttempt records one adapter call attempt.
func (r *Recorder) RecordAttempt(adapterID string, kind model.ErrorKind, latency time.Duration) {
	if r == nil {
		return
	}
	result := "success"
	if kind != model.ErrorKindNone {
		result = string(kind)
	}
	r.attempts.WithLabelValues(adapterID, result).Inc()
	r.attemptLatency.WithLabelValues(adapterID).Observe(latency.Seconds())
}

// RecordRun records the outcome of one asset run.
func (r *Recorder) RecordRun(status model.SyncRunStatus, fallback bool) {
	if r == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	r.runs.WithLabelValues(string(status), fb).Inc()
}

// RecordDiscrepancy records a flagged candidate.
func (r *Recorder) RecordDiscrepancy(sev model.Severity) {
	if r == nil {
		return
	}
	r.discrepancies.WithLabelValues(string(sev)).Inc()
}

// RecordResolution records an applied resolution.
func (r *Recorder) RecordResolution(method model.ResolutionMethod) {
	if r == nil {
		return
	}
	r.resolutions.WithLabelValues(string(method)).Inc()
}

// RecordWriteConflict records a lost optimistic write.
func (r *Recorder) RecordWriteConflict() {
	if r == nil {
		return
	}
	r.writeConflicts.Inc()
}
