package model

import "time"

// ErrorKind classifies an adapter failure.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindNetwork    ErrorKind = "network"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindNavigation ErrorKind = "navigation"
	ErrorKindCancelled  ErrorKind = "cancelled"
	ErrorKindUnknown    ErrorKind = "unknown"
)

// ScraperRunRecord is append-only telemetry for one adapter call attempt.
type ScraperRunRecord struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	AdapterID string    `json:"adapter_id"`
	AssetID   string    `json:"asset_id"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	LatencyMs int64     `json:"latency_ms"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Fallback  bool      `json:"fallback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AdapterStats aggregates telemetry for one adapter over a window.
type AdapterStats struct {
	AdapterID    string  `json:"adapter_id"`
	Attempts     int     `json:"attempts"`
	Successes    int     `json:"successes"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// SuccessRate returns successes over attempts, or -1 with no data.
func (s AdapterStats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return -1
	}
	return float64(s.Successes) / float64(s.Attempts)
}
