package model

import "time"

// SyncRunStatus is the lifecycle state of one asset sync run.
type SyncRunStatus string

const (
	SyncRunning  SyncRunStatus = "running"
	SyncComplete SyncRunStatus = "complete"
	SyncFailed   SyncRunStatus = "failed"
)

// SyncRun is a row in the sync log.
type SyncRun struct {
	ID             string        `json:"id"`
	AssetID        string        `json:"asset_id"`
	ProfileID      string        `json:"profile_id"`
	Status         SyncRunStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	DurationMs     int64         `json:"duration_ms"`
	Observations   int           `json:"observations"`
	AdaptersOK     int           `json:"adapters_ok"`
	AdaptersFailed int           `json:"adapters_failed"`
	Error          string        `json:"error,omitempty"`
}

// SyncStatus is the derived per-asset state. It is never stored.
type SyncStatus string

const (
	StatusPending    SyncStatus = "PENDING"
	StatusInProgress SyncStatus = "IN_PROGRESS"
	StatusPartial    SyncStatus = "PARTIAL"
	StatusSynced     SyncStatus = "SYNCED"
	StatusFailed     SyncStatus = "FAILED"
)

// RecordStats is the stored-record summary for one asset.
type RecordStats struct {
	AssetID    string `json:"asset_id"`
	Count      int    `json:"count"`
	OldestDate string `json:"oldest_date,omitempty"`
	NewestDate string `json:"newest_date,omitempty"`
}

// AssetStatus is the status row returned to callers.
type AssetStatus struct {
	Ticker           string        `json:"ticker"`
	RecordsLoaded    int           `json:"records_loaded"`
	OldestDate       string        `json:"oldest_date,omitempty"`
	NewestDate       string        `json:"newest_date,omitempty"`
	Status           SyncStatus    `json:"status"`
	LastSyncAt       *time.Time    `json:"last_sync_at,omitempty"`
	LastSyncDuration time.Duration `json:"last_sync_duration"`
}
