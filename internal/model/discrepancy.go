package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CandidateStatus is the lifecycle state of a flagged discrepancy.
type CandidateStatus string

const (
	CandidateOpen     CandidateStatus = "open"
	CandidateResolved CandidateStatus = "resolved"
	// CandidateSuperseded marks a candidate closed because a later run
	// found the sources in agreement.
	CandidateSuperseded CandidateStatus = "superseded"
)

// DiscrepancyCandidate is a flagged disagreement awaiting resolution. At most
// one open candidate exists per (asset, kind, date, field).
type DiscrepancyCandidate struct {
	ID             string              `json:"id"`
	AssetID        string              `json:"asset_id"`
	Kind           RecordKind          `json:"kind"`
	RefDate        string              `json:"ref_date"`
	Field          string              `json:"field"`
	Severity       Severity            `json:"severity"`
	Deviation      decimal.Decimal     `json:"deviation"`
	Snapshot       []SourceObservation `json:"snapshot"`
	SelectedValue  string              `json:"selected_value"`
	SelectedSource string              `json:"selected_source"`
	Status         CandidateStatus     `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
}

// DiscrepancyResolution is an append-only audit entry recording how a
// candidate was settled.
type DiscrepancyResolution struct {
	ID             string              `json:"id"`
	CandidateID    string              `json:"candidate_id"`
	AssetID        string              `json:"asset_id"`
	Kind           RecordKind          `json:"kind"`
	RefDate        string              `json:"ref_date"`
	Field          string              `json:"field"`
	OldValue       string              `json:"old_value"`
	NewValue       string              `json:"new_value"`
	SelectedSource string              `json:"selected_source"`
	Method         ResolutionMethod    `json:"method"`
	Resolver       string              `json:"resolver"`
	Reason         string              `json:"reason,omitempty"`
	Severity       Severity            `json:"severity"`
	Deviation      decimal.Decimal     `json:"deviation"`
	Snapshot       []SourceObservation `json:"snapshot"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Selection names the value chosen by a resolver. Source picks an observed
// value from the snapshot; Value alone is a manual override.
type Selection struct {
	Source string `json:"source,omitempty"`
	Value  string `json:"value,omitempty"`
}

// DiscrepancyFilter narrows candidate listings.
type DiscrepancyFilter struct {
	AssetID     string          `json:"asset_id,omitempty"`
	Status      CandidateStatus `json:"status,omitempty"`
	MinSeverity Severity        `json:"min_severity,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	Offset      int             `json:"offset,omitempty"`
}
