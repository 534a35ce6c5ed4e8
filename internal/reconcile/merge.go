package reconcile

import (
	"sort"

	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/settings"
)

// Outcome reports the reconciled state of one field after a merge.
type Outcome struct {
	Record model.FieldRecord
	// Preserved is set when an earlier resolution was kept because the
	// observation set it was made against is unchanged.
	Preserved bool
}

// Merge reconciles every field group into rec and returns one Outcome per
// field in sorted field order. Fields without usable observations are left
// as they are.
func Merge(rec *model.FactRecord, fields map[string][]model.SourceObservation, t *settings.Thresholds) []Outcome {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Outcome, 0, len(names))
	for _, name := range names {
		fr, ok := Reconcile(name, fields[name], t)
		if !ok {
			continue
		}
		preserved := false
		if prev, exists := rec.Fields[name]; exists && prev.Resolution != nil &&
			prev.Resolution.Fingerprint == model.Fingerprint(fr.Observations) {
			fr.FinalValue = prev.FinalValue
			fr.FinalSource = prev.FinalSource
			fr.Resolution = prev.Resolution
			fr.Disputed = false
			preserved = true
		}
		rec.SetField(fr)
		out = append(out, Outcome{Record: fr, Preserved: preserved})
	}
	return out
}
