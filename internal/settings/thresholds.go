// Package settings holds the tunable reconciliation thresholds and the
// cached store that serves them.
package settings

import (
	"sort"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/factsync/internal/model"
)

// Bands are the deviation boundaries, as fractions, at which severity rises
// to low, medium and high.
type Bands struct {
	Low    decimal.Decimal `json:"low"`
	Medium decimal.Decimal `json:"medium"`
	High   decimal.Decimal `json:"high"`
}

// Classify maps a deviation fraction to a severity.
func (b Bands) Classify(dev decimal.Decimal) model.Severity {
	switch {
	case dev.LessThan(b.Low):
		return model.SeverityNone
	case dev.LessThan(b.Medium):
		return model.SeverityLow
	case dev.LessThan(b.High):
		return model.SeverityMedium
	default:
		return model.SeverityHigh
	}
}

func (b Bands) validate() error {
	if !b.Low.IsPositive() {
		return eris.New("settings: low band must be positive")
	}
	if !b.Low.LessThan(b.Medium) || !b.Medium.LessThan(b.High) {
		return eris.Errorf("settings: bands must increase: low=%s medium=%s high=%s", b.Low, b.Medium, b.High)
	}
	return nil
}

// FieldRule overrides defaults for one field.
type FieldRule struct {
	Text  bool   `json:"text,omitempty"`
	Bands *Bands `json:"bands,omitempty"`
}

// Thresholds is the full set of reconciliation knobs.
type Thresholds struct {
	Bands           Bands                `json:"bands"`
	FlagSeverity    model.Severity       `json:"flag_severity"`
	Epsilon         decimal.Decimal      `json:"epsilon"`
	Fields          map[string]FieldRule `json:"fields"`
	SourcePriority  map[string]int       `json:"source_priority"`
	SyncedThreshold int                  `json:"synced_threshold"`
	AutoResolve     bool                 `json:"auto_resolve"`
}

// Default returns the built-in thresholds: 1% / 2.5% / 5% bands, flag at
// medium, 30 records for SYNCED.
func Default() *Thresholds {
	return &Thresholds{
		Bands: Bands{
			Low:    decimal.RequireFromString("0.01"),
			Medium: decimal.RequireFromString("0.025"),
			High:   decimal.RequireFromString("0.05"),
		},
		FlagSeverity:    model.SeverityMedium,
		Epsilon:         decimal.RequireFromString("0.000001"),
		Fields:          map[string]FieldRule{},
		SourcePriority:  map[string]int{},
		SyncedThreshold: 30,
	}
}

// Validate checks that bands increase and every knob is in range.
func (t *Thresholds) Validate() error {
	if err := t.Bands.validate(); err != nil {
		return err
	}
	if !t.FlagSeverity.Valid() || t.FlagSeverity == model.SeverityNone {
		return eris.Errorf("settings: invalid flag severity %q", t.FlagSeverity)
	}
	if !t.Epsilon.IsPositive() {
		return eris.New("settings: epsilon must be positive")
	}
	if t.SyncedThreshold < 1 {
		return eris.New("settings: synced_threshold must be at least 1")
	}
	for _, name := range sortedKeys(t.Fields) {
		if b := t.Fields[name].Bands; b != nil {
			if err := b.validate(); err != nil {
				return eris.Wrapf(err, "settings: field %s", name)
			}
		}
	}
	for src, p := range t.SourcePriority {
		if p < 1 {
			return eris.Errorf("settings: source %s priority must be >= 1", src)
		}
	}
	return nil
}

// BandsFor returns the bands that apply to field.
func (t *Thresholds) BandsFor(field string) Bands {
	if r, ok := t.Fields[field]; ok && r.Bands != nil {
		return *r.Bands
	}
	return t.Bands
}

// IsText reports whether field is compared as text rather than decimal.
func (t *Thresholds) IsText(field string) bool {
	return t.Fields[field].Text
}

// Classify maps a deviation for field to a severity.
func (t *Thresholds) Classify(field string, dev decimal.Decimal) model.Severity {
	return t.BandsFor(field).Classify(dev)
}

// ShouldFlag reports whether a severity warrants a discrepancy candidate.
func (t *Thresholds) ShouldFlag(s model.Severity) bool {
	return s != model.SeverityNone && s.AtLeast(t.FlagSeverity)
}

// Priority returns the configured priority for a source not ranked by the
// executing profile, or fallback when none is configured.
func (t *Thresholds) Priority(source string, fallback int) int {
	if p, ok := t.SourcePriority[source]; ok {
		return p
	}
	return fallback
}

// Clone returns a deep copy of t.
func (t *Thresholds) Clone() *Thresholds {
	c := *t
	c.Fields = make(map[string]FieldRule, len(t.Fields))
	for k, v := range t.Fields {
		if v.Bands != nil {
			b := *v.Bands
			v.Bands = &b
		}
		c.Fields[k] = v
	}
	c.SourcePriority = make(map[string]int, len(t.SourcePriority))
	for k, v := range t.SourcePriority {
		c.SourcePriority[k] = v
	}
	return &c
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
