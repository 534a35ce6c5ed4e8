package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Profile is a named orchestration configuration. Adapters are listed in
// priority order: index 0 has priority 1.
type Profile struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name" validate:"required,max=64"`
	DisplayName           string    `json:"display_name" validate:"max=128"`
	Description           string    `json:"description,omitempty"`
	MinScrapers           int       `json:"min_scrapers" validate:"gte=1"`
	MaxScrapers           int       `json:"max_scrapers" validate:"gte=1,gtefield=MinScrapers"`
	Adapters              []string  `json:"adapters" validate:"required,min=1,unique,dive,required"`
	FallbackEnabled       bool      `json:"fallback_enabled"`
	FallbackAdapter       string    `json:"fallback_adapter,omitempty"`
	AssetConcurrency      int       `json:"asset_concurrency" validate:"gte=0"`
	EstimatedDurationSecs float64   `json:"estimated_duration_secs"`
	EstimatedCostUSD      float64   `json:"estimated_cost_usd"`
	IsDefault             bool      `json:"is_default"`
	IsSystem              bool      `json:"is_system"`
	Version               int       `json:"version"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Validate checks field constraints and that the profile lists enough adapters
// to reach its own minimum.
func (p *Profile) Validate() error {
	if err := ValidateStruct(p); err != nil {
		return eris.Wrapf(ErrInvalidProfile, "model: profile %q: %v", p.Name, err)
	}
	if len(p.Adapters) < p.MinScrapers {
		return eris.Wrapf(ErrInvalidProfile, "model: profile %q lists %d adapters, needs %d", p.Name, len(p.Adapters), p.MinScrapers)
	}
	return nil
}

// Priority returns the 1-based priority of adapterID, or 0 if absent.
func (p *Profile) Priority(adapterID string) int {
	for i, a := range p.Adapters {
		if a == adapterID {
			return i + 1
		}
	}
	return 0
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Adapters = append([]string(nil), p.Adapters...)
	return &c
}

// ProfileAction names an audited profile operation.
type ProfileAction string

const (
	ProfileCreate     ProfileAction = "create"
	ProfileUpdate     ProfileAction = "update"
	ProfileDelete     ProfileAction = "delete"
	ProfileToggle     ProfileAction = "toggle"
	ProfilePriority   ProfileAction = "priority"
	ProfileApply      ProfileAction = "apply"
	ProfileSetDefault ProfileAction = "set_default"
	ProfileDuplicate  ProfileAction = "duplicate"
)

// ProfileAudit captures one profile mutation with before/after state.
type ProfileAudit struct {
	ID        string        `json:"id"`
	ProfileID string        `json:"profile_id"`
	Action    ProfileAction `json:"action"`
	Actor     string        `json:"actor"`
	Before    *Profile      `json:"before,omitempty"`
	After     *Profile      `json:"after,omitempty"`
	Adapters  []string      `json:"adapters"`
	CreatedAt time.Time     `json:"created_at"`
}

// ConfidenceLevel summarizes how likely a profile is to reach its minimum.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// ImpactAnalysis is the result of previewing a candidate adapter set.
type ImpactAnalysis struct {
	Adapters          []string        `json:"adapters"`
	EstimatedDuration time.Duration   `json:"estimated_duration"`
	EstimatedCostUSD  float64         `json:"estimated_cost_usd"`
	MinSources        int             `json:"min_sources"`
	MaxSources        int             `json:"max_sources"`
	ExpectedSources   float64         `json:"expected_sources"`
	ConfidenceLevel   ConfidenceLevel `json:"confidence_level"`
	Warnings          []string        `json:"warnings"`
	TestRun           *TestRunSummary `json:"test_run,omitempty"`
}

// TestRunSummary reports a live, unpersisted run against a test ticker.
type TestRunSummary struct {
	Ticker       string        `json:"ticker"`
	Succeeded    []string      `json:"succeeded"`
	Failed       []string      `json:"failed"`
	Observations int           `json:"observations"`
	Duration     time.Duration `json:"duration"`
	Status       SyncRunStatus `json:"status"`
}
