package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refDate = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func obs(source, value string, priority int) SourceObservation {
	return SourceObservation{
		Source:   source,
		Field:    "close",
		Value:    value,
		Kind:     KindPrice,
		RefDate:  refDate,
		Priority: priority,
	}
}

func TestSeverity_Ordering(t *testing.T) {
	assert.True(t, SeverityHigh.AtLeast(SeverityMedium))
	assert.True(t, SeverityMedium.AtLeast(SeverityMedium))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.False(t, Severity("bogus").Valid())
	assert.True(t, SeverityNone.Valid())
}

func TestFieldRecord_Validate(t *testing.T) {
	base := FieldRecord{
		Field:        "close",
		Observations: []SourceObservation{obs("a", "37.60", 1), obs("b", "37.55", 2)},
		FinalValue:   "37.60",
		FinalSource:  "a",
		SourcesCount: 2,
		Deviation:    decimal.RequireFromString("0.0013"),
		Severity:     SeverityNone,
	}
	require.NoError(t, base.Validate())

	t.Run("synthetic value rejected", func(t *testing.T) {
		r := base
		r.FinalValue = "37.575"
		assert.Error(t, r.Validate())
	})

	t.Run("value from wrong source rejected", func(t *testing.T) {
		r := base
		r.FinalSource = "b"
		assert.Error(t, r.Validate())
	})

	t.Run("manual override allowed", func(t *testing.T) {
		r := base
		r.FinalValue = "38.00"
		r.FinalSource = "operator"
		r.Resolution = &ResolutionRef{ID: "r1", Method: ResolutionManual, Resolver: "ops", Override: true}
		assert.NoError(t, r.Validate())
	})

	t.Run("automatic override rejected", func(t *testing.T) {
		r := base
		r.FinalValue = "38.00"
		r.Resolution = &ResolutionRef{ID: "r1", Method: ResolutionAutomatic, Resolver: "system", Override: true}
		assert.Error(t, r.Validate())
	})

	t.Run("count mismatch rejected", func(t *testing.T) {
		r := base
		r.SourcesCount = 3
		assert.Error(t, r.Validate())
	})

	t.Run("empty field is valid", func(t *testing.T) {
		r := FieldRecord{Field: "pe_ratio", Severity: SeverityNone}
		assert.NoError(t, r.Validate())
	})
}

func TestFactRecord_SetFieldAndValidate(t *testing.T) {
	rec := NewFactRecord("AAPL", KindPrice, "2025-03-14")
	rec.SetField(FieldRecord{
		Field:        "close",
		Observations: []SourceObservation{obs("a", "37.60", 1)},
		FinalValue:   "37.60",
		FinalSource:  "a",
		SourcesCount: 1,
		Severity:     SeverityNone,
	})
	require.NoError(t, rec.Validate())
	assert.Equal(t, "37.60", rec.Values["close"])
	assert.Equal(t, []string{"close"}, rec.FieldNames())

	rec.Values["close"] = "1"
	assert.Error(t, rec.Validate())

	bad := NewFactRecord("AAPL", KindPrice, "14/03/2025")
	assert.Error(t, bad.Validate())
}

func TestSortObservations_Deterministic(t *testing.T) {
	a := []SourceObservation{obs("c", "3", 2), obs("b", "2", 1), obs("a", "1", 2)}
	b := []SourceObservation{obs("a", "1", 2), obs("c", "3", 2), obs("b", "2", 1)}
	SortObservations(a)
	SortObservations(b)
	assert.Equal(t, a, b)
	assert.Equal(t, "b", a[0].Source)
	assert.Equal(t, "a", a[1].Source)
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	f1 := Fingerprint([]SourceObservation{obs("a", "1", 1), obs("b", "2", 2)})
	f2 := Fingerprint([]SourceObservation{obs("b", "2", 2), obs("a", " 1 ", 1)})
	assert.Equal(t, f1, f2)
	assert.NotEqual(t, f1, Fingerprint([]SourceObservation{obs("a", "1", 1), obs("b", "3", 2)}))
}

func TestGroupObservations(t *testing.T) {
	o1 := obs("a", "1", 1)
	o2 := obs("b", "2", 2)
	o3 := obs("a", "3", 1)
	o3.RefDate = refDate.AddDate(0, 0, -1)
	o4 := obs("a", "10", 1)
	o4.Kind = KindFundamental
	o4.Field = "pe_ratio"

	keys, groups := GroupObservations([]SourceObservation{o1, o2, o3, o4})
	require.Len(t, keys, 3)
	assert.Equal(t, "2025-03-13", keys[0].RefDate)
	assert.Equal(t, KindFundamental, keys[1].Kind)
	assert.Len(t, groups[ObservationKey{Kind: KindPrice, RefDate: "2025-03-14"}]["close"], 2)
}

func TestDateRange_Contains(t *testing.T) {
	r := DateRange{From: refDate.AddDate(0, 0, -1), To: refDate}
	assert.True(t, r.Contains(refDate))
	assert.False(t, r.Contains(refDate.AddDate(0, 0, 1)))
	assert.True(t, DateRange{}.Contains(refDate))
}

func TestProfile_Validate(t *testing.T) {
	p := &Profile{Name: "custom", MinScrapers: 2, MaxScrapers: 3, Adapters: []string{"a", "b"}}
	require.NoError(t, p.Validate())
	assert.Equal(t, 2, p.Priority("b"))
	assert.Equal(t, 0, p.Priority("z"))

	short := &Profile{Name: "short", MinScrapers: 3, MaxScrapers: 3, Adapters: []string{"a", "b"}}
	err := short.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidProfile))

	dup := &Profile{Name: "dup", MinScrapers: 1, MaxScrapers: 2, Adapters: []string{"a", "a"}}
	assert.Error(t, dup.Validate())

	inverted := &Profile{Name: "inv", MinScrapers: 3, MaxScrapers: 2, Adapters: []string{"a", "b", "c"}}
	assert.Error(t, inverted.Validate())
}

func TestProfile_Clone(t *testing.T) {
	p := &Profile{Name: "x", Adapters: []string{"a", "b"}}
	c := p.Clone()
	c.Adapters[0] = "z"
	assert.Equal(t, "a", p.Adapters[0])
}

func TestErrors_Format(t *testing.T) {
	pe := &ProtectedResourceError{Resource: "profile", ID: "fast", Op: "delete"}
	assert.Contains(t, pe.Error(), "protected")
	de := &DuplicatePriorityError{Priority: 1, Adapters: []string{"a", "b"}}
	assert.Contains(t, de.Error(), "a, b")
}
