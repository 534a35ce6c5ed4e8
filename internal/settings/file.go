package settings

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/factsync/internal/model"
)

// File is the on-disk YAML layout. Percentages are written as percent
// (1.0 = 1%) and converted to fractions on load.
type File struct {
	Defaults struct {
		LowPct          float64 `yaml:"low_pct"`
		MediumPct       float64 `yaml:"medium_pct"`
		HighPct         float64 `yaml:"high_pct"`
		FlagSeverity    string  `yaml:"flag_severity"`
		Epsilon         float64 `yaml:"epsilon"`
		SyncedThreshold int     `yaml:"synced_threshold"`
		AutoResolve     bool    `yaml:"auto_resolve"`
	} `yaml:"defaults"`
	Fields         map[string]FieldFile `yaml:"fields"`
	SourcePriority map[string]int       `yaml:"source_priority"`
}

// FieldFile is the per-field YAML override.
type FieldFile struct {
	Text      bool    `yaml:"text"`
	LowPct    float64 `yaml:"low_pct"`
	MediumPct float64 `yaml:"medium_pct"`
	HighPct   float64 `yaml:"high_pct"`
}

// LoadFile reads thresholds from a YAML file with a top-level "thresholds"
// key. Missing values keep the built-in defaults.
func LoadFile(path string) (*Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "settings: read %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML thresholds.
func Parse(data []byte) (*Thresholds, error) {
	var wrapper struct {
		Thresholds File `yaml:"thresholds"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "settings: parse yaml")
	}
	f := wrapper.Thresholds

	t := Default()
	d := f.Defaults
	if d.LowPct > 0 {
		t.Bands.Low = pct(d.LowPct)
	}
	if d.MediumPct > 0 {
		t.Bands.Medium = pct(d.MediumPct)
	}
	if d.HighPct > 0 {
		t.Bands.High = pct(d.HighPct)
	}
	if d.FlagSeverity != "" {
		t.FlagSeverity = model.Severity(d.FlagSeverity)
	}
	if d.Epsilon > 0 {
		t.Epsilon = decimal.NewFromFloat(d.Epsilon)
	}
	if d.SyncedThreshold > 0 {
		t.SyncedThreshold = d.SyncedThreshold
	}
	t.AutoResolve = d.AutoResolve

	for name, ff := range f.Fields {
		rule := FieldRule{Text: ff.Text}
		if ff.LowPct > 0 || ff.MediumPct > 0 || ff.HighPct > 0 {
			b := t.Bands
			if ff.LowPct > 0 {
				b.Low = pct(ff.LowPct)
			}
			if ff.MediumPct > 0 {
				b.Medium = pct(ff.MediumPct)
			}
			if ff.HighPct > 0 {
				b.High = pct(ff.HighPct)
			}
			rule.Bands = &b
		}
		t.Fields[name] = rule
	}
	for src, p := range f.SourcePriority {
		t.SourcePriority[src] = p
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func pct(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Div(decimal.NewFromInt(100))
}
