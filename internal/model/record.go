package model

import (
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Severity is a banded classification of how far sources disagree.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityNone:   0,
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

// Rank returns the ordinal of s; unknown severities rank below none.
func (s Severity) Rank() int {
	r, ok := severityRank[s]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// ResolutionMethod records how a disputed value was settled.
type ResolutionMethod string

const (
	ResolutionAutomatic ResolutionMethod = "automatic"
	ResolutionManual    ResolutionMethod = "manual"
)

// ResolutionRef links a field to the resolution that last set its value.
type ResolutionRef struct {
	ID          string           `json:"id" validate:"required"`
	Method      ResolutionMethod `json:"method" validate:"required,oneof=automatic manual"`
	Resolver    string           `json:"resolver" validate:"required"`
	Override    bool             `json:"override,omitempty"`
	Fingerprint string           `json:"fingerprint"`
	ResolvedAt  time.Time        `json:"resolved_at"`
}

// FieldRecord is the reconciled value of one field with its provenance.
type FieldRecord struct {
	Field        string              `json:"field" validate:"required"`
	Observations []SourceObservation `json:"observations" validate:"dive"`
	FinalValue   string              `json:"final_value"`
	FinalSource  string              `json:"final_source"`
	SourcesCount int                 `json:"sources_count" validate:"gte=0"`
	Deviation    decimal.Decimal     `json:"deviation"`
	Severity     Severity            `json:"severity" validate:"required,oneof=none low medium high"`
	Disputed     bool                `json:"disputed,omitempty"`
	Resolution   *ResolutionRef      `json:"resolution,omitempty"`
}

// HasValue reports whether the record carries a final value.
func (r FieldRecord) HasValue() bool {
	return r.FinalSource != "" || r.FinalValue != ""
}

// Validate checks struct tags and the provenance invariant: the final value
// must be one of the observed values unless a manual override set it.
func (r FieldRecord) Validate() error {
	if err := validate().Struct(r); err != nil {
		return eris.Wrapf(err, "model: field record %s", r.Field)
	}
	if r.SourcesCount != len(r.Observations) {
		return eris.Errorf("model: field record %s: sources_count %d != %d observations", r.Field, r.SourcesCount, len(r.Observations))
	}
	if !r.HasValue() {
		if len(r.Observations) > 0 {
			return eris.Errorf("model: field record %s: observations without final value", r.Field)
		}
		return nil
	}
	if r.Resolution != nil && r.Resolution.Override {
		if r.Resolution.Method != ResolutionManual {
			return eris.Errorf("model: field record %s: override requires manual resolution", r.Field)
		}
		return nil
	}
	for _, o := range r.Observations {
		if o.Source == r.FinalSource && o.Value == r.FinalValue {
			return nil
		}
	}
	return eris.Errorf("model: field record %s: final value %q from %q not among observations", r.Field, r.FinalValue, r.FinalSource)
}

// FactRecord is the canonical fundamental or price record for one asset and
// reference date.
type FactRecord struct {
	ID        string                 `json:"id"`
	AssetID   string                 `json:"asset_id" validate:"required"`
	Kind      RecordKind             `json:"kind" validate:"required,oneof=fundamental price"`
	RefDate   string                 `json:"ref_date" validate:"required,datetime=2006-01-02"`
	Values    map[string]string      `json:"values"`
	Fields    map[string]FieldRecord `json:"fields" validate:"dive"`
	Version   int                    `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewFactRecord returns an empty record for the key.
func NewFactRecord(assetID string, kind RecordKind, refDate string) *FactRecord {
	return &FactRecord{
		AssetID: assetID,
		Kind:    kind,
		RefDate: refDate,
		Values:  make(map[string]string),
		Fields:  make(map[string]FieldRecord),
	}
}

// SetField stores fr and keeps Values in step with it.
func (f *FactRecord) SetField(fr FieldRecord) {
	if f.Fields == nil {
		f.Fields = make(map[string]FieldRecord)
	}
	if f.Values == nil {
		f.Values = make(map[string]string)
	}
	f.Fields[fr.Field] = fr
	if fr.HasValue() {
		f.Values[fr.Field] = fr.FinalValue
	} else {
		delete(f.Values, fr.Field)
	}
}

// FieldNames returns the record's field names in sorted order.
func (f *FactRecord) FieldNames() []string {
	names := make([]string, 0, len(f.Fields))
	for n := range f.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks the record and every field it carries.
func (f *FactRecord) Validate() error {
	if err := validate().Struct(f); err != nil {
		return eris.Wrapf(err, "model: fact record %s/%s/%s", f.AssetID, f.Kind, f.RefDate)
	}
	for name, fr := range f.Fields {
		if name != fr.Field {
			return eris.Errorf("model: fact record field key %q holds %q", name, fr.Field)
		}
		if err := fr.Validate(); err != nil {
			return err
		}
		if fr.HasValue() && f.Values[name] != fr.FinalValue {
			return eris.Errorf("model: fact record value for %s out of sync with provenance", name)
		}
	}
	return nil
}

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func validate() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New(validator.WithRequiredStructEnabled())
	})
	return validatorInst
}

// ValidateStruct runs tag validation on v using the shared validator.
func ValidateStruct(v any) error {
	return validate().Struct(v)
}
