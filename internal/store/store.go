package store

import (
	"context"
	"time"

	"github.com/sells-group/factsync/internal/model"
)

// Store defines persistence for canonical records, discrepancies, profiles,
// telemetry, the sync log and settings.
type Store interface {
	// Canonical records. SaveFactRecord is optimistic: Version 0 inserts,
	// any other version must match the stored row. A lost race returns
	// model.ErrVersionConflict. On success rec.Version is advanced.
	// GetFactRecord returns nil, nil when no record exists.
	GetFactRecord(ctx context.Context, assetID string, kind model.RecordKind, refDate string) (*model.FactRecord, error)
	SaveFactRecord(ctx context.Context, rec *model.FactRecord) error
	ListFactRecords(ctx context.Context, filter RecordFilter) ([]model.FactRecord, error)
	RecordStats(ctx context.Context) ([]model.RecordStats, error)

	// Discrepancies
	UpsertOpenCandidate(ctx context.Context, c *model.DiscrepancyCandidate) error
	GetCandidate(ctx context.Context, id string) (*model.DiscrepancyCandidate, error)
	GetOpenCandidate(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) (*model.DiscrepancyCandidate, error)
	ListCandidates(ctx context.Context, filter model.DiscrepancyFilter) ([]model.DiscrepancyCandidate, error)
	// SupersedeOpenCandidate closes the open candidate for the field, if any,
	// and returns its id.
	SupersedeOpenCandidate(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) (string, error)
	CountOpenCandidates(ctx context.Context) (int, error)
	// ApplyResolution appends res, marks its candidate resolved and saves
	// rec under the same optimistic version check, all in one transaction.
	ApplyResolution(ctx context.Context, res *model.DiscrepancyResolution, rec *model.FactRecord) error
	ListResolutions(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) ([]model.DiscrepancyResolution, error)

	// Profiles
	CreateProfile(ctx context.Context, p *model.Profile) error
	UpdateProfile(ctx context.Context, p *model.Profile) error
	DeleteProfile(ctx context.Context, id string) error
	GetProfile(ctx context.Context, id string) (*model.Profile, error)
	GetProfileByName(ctx context.Context, name string) (*model.Profile, error)
	GetDefaultProfile(ctx context.Context) (*model.Profile, error)
	ListProfiles(ctx context.Context) ([]model.Profile, error)
	SetDefaultProfile(ctx context.Context, id string) error
	AppendProfileAudit(ctx context.Context, a *model.ProfileAudit) error
	ListProfileAudit(ctx context.Context, profileID string, limit int) ([]model.ProfileAudit, error)

	// Telemetry
	AppendScraperRuns(ctx context.Context, runs []model.ScraperRunRecord) error
	ListScraperRuns(ctx context.Context, runID string) ([]model.ScraperRunRecord, error)
	AdapterStats(ctx context.Context, since time.Time) ([]model.AdapterStats, error)

	// Sync log
	StartSyncRun(ctx context.Context, assetID, profileID string) (*model.SyncRun, error)
	FinishSyncRun(ctx context.Context, run *model.SyncRun) error
	LatestSyncRuns(ctx context.Context) ([]model.SyncRun, error)
	FailStaleSyncRuns(ctx context.Context, startedBefore time.Time) (int, error)

	// Settings
	GetSettings(ctx context.Context) (map[string][]byte, error)
	PutSettings(ctx context.Context, values map[string][]byte) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// RecordFilter specifies criteria for listing canonical records.
type RecordFilter struct {
	AssetID string           `json:"asset_id,omitempty"`
	Kind    model.RecordKind `json:"kind,omitempty"`
	From    string           `json:"from,omitempty"`
	To      string           `json:"to,omitempty"`
	Limit   int              `json:"limit,omitempty"`
}

func (f RecordFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 1000
	}
	return f.Limit
}
