// Package reconcile merges per-source observations of one field into a
// canonical value with provenance and a disagreement score.
//
// Reconciliation is a pure function of its inputs: observations are sorted
// by (priority, source) before any computation, so the result does not
// depend on the order in which adapters completed.
package reconcile

import (
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/settings"
)

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
	two  = decimal.NewFromInt(2)
)

// Reconcile builds the FieldRecord for field from obs. It returns false when
// there are no usable observations, in which case the field is absent.
func Reconcile(field string, obs []model.SourceObservation, t *settings.Thresholds) (model.FieldRecord, bool) {
	sorted := normalize(field, obs, t)
	if len(sorted) == 0 {
		return model.FieldRecord{}, false
	}

	fr := model.FieldRecord{
		Field:        field,
		Observations: sorted,
		SourcesCount: len(sorted),
		Deviation:    zero,
		Severity:     model.SeverityNone,
		FinalValue:   sorted[0].Value,
		FinalSource:  sorted[0].Source,
	}
	if len(sorted) == 1 {
		return fr, true
	}

	values, numeric := parseAll(sorted)
	if !numeric || t.IsText(field) {
		fr.Deviation = textDeviation(sorted)
	} else {
		fr.Deviation = maxPairwise(values, t.Epsilon)
		tol := t.BandsFor(field).Low
		med := median(values)
		for i, v := range values {
			if Deviation(v, med, t.Epsilon).LessThanOrEqual(tol) {
				fr.FinalValue = sorted[i].Value
				fr.FinalSource = sorted[i].Source
				break
			}
		}
	}

	fr.Severity = t.Classify(field, fr.Deviation)
	fr.Disputed = fr.Severity == model.SeverityHigh
	return fr, true
}

// Deviation returns |a-b| / max(|a|, |b|, epsilon).
func Deviation(a, b, epsilon decimal.Decimal) decimal.Decimal {
	denom := decimal.Max(a.Abs(), b.Abs(), epsilon)
	return a.Sub(b).Abs().Div(denom)
}

// normalize drops empty values, keeps the first observation per source
// after ordering and fills missing priorities from settings.
func normalize(field string, obs []model.SourceObservation, t *settings.Thresholds) []model.SourceObservation {
	out := make([]model.SourceObservation, 0, len(obs))
	for _, o := range obs {
		o.Value = strings.TrimSpace(o.Value)
		if o.Value == "" {
			continue
		}
		if o.Field == "" {
			o.Field = field
		}
		if o.Priority < 1 {
			o.Priority = t.Priority(o.Source, math.MaxInt16)
		}
		out = append(out, o)
	}
	model.SortObservations(out)

	seen := make(map[string]bool, len(out))
	deduped := out[:0]
	for _, o := range out {
		if seen[o.Source] {
			continue
		}
		seen[o.Source] = true
		deduped = append(deduped, o)
	}
	return deduped
}

func parseAll(obs []model.SourceObservation) ([]decimal.Decimal, bool) {
	values := make([]decimal.Decimal, len(obs))
	for i, o := range obs {
		d, err := decimal.NewFromString(o.Value)
		if err != nil {
			return nil, false
		}
		values[i] = d
	}
	return values, true
}

func maxPairwise(values []decimal.Decimal, epsilon decimal.Decimal) decimal.Decimal {
	maxDev := zero
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if d := Deviation(values[i], values[j], epsilon); d.GreaterThan(maxDev) {
				maxDev = d
			}
		}
	}
	return maxDev
}

func median(values []decimal.Decimal) decimal.Decimal {
	s := append([]decimal.Decimal(nil), values...)
	sort.Slice(s, func(i, j int) bool { return s[i].LessThan(s[j]) })
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return s[n/2-1].Add(s[n/2]).Div(two)
}

func textDeviation(obs []model.SourceObservation) decimal.Decimal {
	first := obs[0].Value
	for _, o := range obs[1:] {
		if o.Value != first {
			return one
		}
	}
	return zero
}
