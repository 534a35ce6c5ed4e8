package reconcile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/settings"
)

var refDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func ob(source, value string, priority int) model.SourceObservation {
	return model.SourceObservation{
		Source:   source,
		Field:    "close",
		Value:    value,
		Kind:     model.KindPrice,
		RefDate:  refDate,
		Priority: priority,
	}
}

func TestReconcile_NoObservations(t *testing.T) {
	_, ok := Reconcile("close", nil, settings.Default())
	assert.False(t, ok)

	_, ok = Reconcile("close", []model.SourceObservation{ob("a", "  ", 1)}, settings.Default())
	assert.False(t, ok, "blank values are not observations")
}

func TestReconcile_SingleObservation(t *testing.T) {
	fr, ok := Reconcile("close", []model.SourceObservation{ob("a", "37.60", 1)}, settings.Default())
	require.True(t, ok)

	assert.Equal(t, "37.60", fr.FinalValue)
	assert.Equal(t, "a", fr.FinalSource)
	assert.Equal(t, 1, fr.SourcesCount)
	assert.True(t, fr.Deviation.IsZero())
	assert.Equal(t, model.SeverityNone, fr.Severity)
	assert.False(t, fr.Disputed)
	assert.NoError(t, fr.Validate())
}

func TestReconcile_WithinTolerancePicksHigherPriority(t *testing.T) {
	fr, ok := Reconcile("close", []model.SourceObservation{
		ob("b", "37.55", 2),
		ob("a", "37.60", 1),
	}, settings.Default())
	require.True(t, ok)

	assert.Equal(t, "37.60", fr.FinalValue)
	assert.Equal(t, "a", fr.FinalSource)
	assert.Equal(t, model.SeverityNone, fr.Severity)
	assert.True(t, fr.Deviation.LessThan(decimal.RequireFromString("0.002")))
	assert.Equal(t, "a", fr.Observations[0].Source, "observations sorted by priority")
	assert.NoError(t, fr.Validate())
}

func TestReconcile_AboveHighIsDisputedButKeepsObservedValue(t *testing.T) {
	fr, ok := Reconcile("close", []model.SourceObservation{
		ob("a", "37.60", 1),
		ob("b", "40.00", 2),
	}, settings.Default())
	require.True(t, ok)

	assert.True(t, decimal.RequireFromString("0.06").Equal(fr.Deviation), "got %s", fr.Deviation)
	assert.Equal(t, model.SeverityHigh, fr.Severity)
	assert.True(t, fr.Disputed)
	assert.Equal(t, "37.60", fr.FinalValue)
	assert.Equal(t, "a", fr.FinalSource)
	assert.NoError(t, fr.Validate())
}

func TestReconcile_ConsensusOverridesPriority(t *testing.T) {
	fr, ok := Reconcile("close", []model.SourceObservation{
		ob("a", "100", 1),
		ob("b", "110", 2),
		ob("c", "110.5", 3),
	}, settings.Default())
	require.True(t, ok)

	// Median is 110; a is 9% away, b matches.
	assert.Equal(t, "110", fr.FinalValue)
	assert.Equal(t, "b", fr.FinalSource)
	assert.Equal(t, model.SeverityHigh, fr.Severity)
	assert.Equal(t, 3, fr.SourcesCount)
}

func TestReconcile_SeverityBands(t *testing.T) {
	tests := []struct {
		name string
		b    string
		want model.Severity
	}{
		{"none", "100.5", model.SeverityNone},
		{"low", "101.5", model.SeverityLow},
		{"medium", "103", model.SeverityMedium},
		{"high", "106", model.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr, ok := Reconcile("close", []model.SourceObservation{ob("a", "100", 1), ob("b", tt.b, 2)}, settings.Default())
			require.True(t, ok)
			assert.Equal(t, tt.want, fr.Severity)
			assert.Equal(t, tt.want == model.SeverityHigh, fr.Disputed)
		})
	}
}

func TestReconcile_PerFieldBands(t *testing.T) {
	th := settings.Default()
	th.Fields["close"] = settings.FieldRule{Bands: &settings.Bands{
		Low:    decimal.RequireFromString("0.05"),
		Medium: decimal.RequireFromString("0.10"),
		High:   decimal.RequireFromString("0.20"),
	}}

	fr, ok := Reconcile("close", []model.SourceObservation{ob("a", "100", 1), ob("b", "104", 2)}, th)
	require.True(t, ok)
	assert.Equal(t, model.SeverityNone, fr.Severity)
}

func TestReconcile_TextFields(t *testing.T) {
	th := settings.Default()

	fr, ok := Reconcile("sector", []model.SourceObservation{ob("a", "Technology", 1), ob("b", " Technology ", 2)}, th)
	require.True(t, ok)
	assert.Equal(t, model.SeverityNone, fr.Severity)

	fr, ok = Reconcile("sector", []model.SourceObservation{ob("a", "Technology", 1), ob("b", "Tech", 2)}, th)
	require.True(t, ok)
	assert.True(t, fr.Deviation.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, model.SeverityHigh, fr.Severity)
	assert.Equal(t, "Technology", fr.FinalValue)

	// Numeric-looking values compared as text when configured.
	th.Fields["cik"] = settings.FieldRule{Text: true}
	fr, ok = Reconcile("cik", []model.SourceObservation{ob("a", "0000320193", 1), ob("b", "320193", 2)}, th)
	require.True(t, ok)
	assert.Equal(t, model.SeverityHigh, fr.Severity)
}

func TestReconcile_SignAndZero(t *testing.T) {
	fr, ok := Reconcile("eps", []model.SourceObservation{ob("a", "-5", 1), ob("b", "5", 2)}, settings.Default())
	require.True(t, ok)
	assert.True(t, fr.Deviation.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, model.SeverityHigh, fr.Severity)

	fr, ok = Reconcile("eps", []model.SourceObservation{ob("a", "0", 1), ob("b", "0.00", 2)}, settings.Default())
	require.True(t, ok)
	assert.True(t, fr.Deviation.IsZero())
	assert.Equal(t, "0", fr.FinalValue)
}

func TestReconcile_DuplicateSourceAndMissingPriority(t *testing.T) {
	th := settings.Default()
	th.SourcePriority["manual-feed"] = 1

	fr, ok := Reconcile("close", []model.SourceObservation{
		ob("a", "10", 2),
		ob("a", "10", 2),
		ob("manual-feed", "10", 0),
		ob("z", "10", 0),
	}, th)
	require.True(t, ok)

	require.Equal(t, 3, fr.SourcesCount)
	assert.Equal(t, "manual-feed", fr.FinalSource)
	assert.Equal(t, 1, fr.Observations[0].Priority)
	assert.Equal(t, "z", fr.Observations[2].Source)
	assert.Greater(t, fr.Observations[2].Priority, 2)
}

func TestReconcile_Idempotent(t *testing.T) {
	obsA := []model.SourceObservation{ob("c", "101", 3), ob("a", "100", 1), ob("b", "99", 2)}
	obsB := []model.SourceObservation{ob("b", "99", 2), ob("c", "101", 3), ob("a", "100", 1)}

	fr1, _ := Reconcile("close", obsA, settings.Default())
	fr2, _ := Reconcile("close", obsB, settings.Default())

	b1, err := json.Marshal(fr1)
	require.NoError(t, err)
	b2, err := json.Marshal(fr2)
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2))
}

func TestDeviation(t *testing.T) {
	eps := decimal.RequireFromString("0.000001")
	d := Deviation(decimal.RequireFromString("50"), decimal.RequireFromString("40"), eps)
	assert.True(t, d.Equal(decimal.RequireFromString("0.2")), "got %s", d)

	d = Deviation(decimal.Zero, decimal.Zero, eps)
	assert.True(t, d.IsZero())
}

func TestMerge_PreservesResolutionForSameSnapshot(t *testing.T) {
	th := settings.Default()
	obs := []model.SourceObservation{ob("a", "37.60", 1), ob("b", "40.00", 2)}

	rec := model.NewFactRecord("AAPL", model.KindPrice, "2024-03-01")
	out := Merge(rec, map[string][]model.SourceObservation{"close": obs}, th)
	require.Len(t, out, 1)
	assert.False(t, out[0].Preserved)
	assert.Equal(t, "37.60", rec.Values["close"])

	// An operator picks b.
	fr := rec.Fields["close"]
	fr.FinalValue = "40.00"
	fr.FinalSource = "b"
	fr.Resolution = &model.ResolutionRef{
		ID:          "res-1",
		Method:      model.ResolutionManual,
		Resolver:    "ops",
		Fingerprint: model.Fingerprint(fr.Observations),
	}
	rec.SetField(fr)

	out = Merge(rec, map[string][]model.SourceObservation{"close": obs}, th)
	require.Len(t, out, 1)
	assert.True(t, out[0].Preserved)
	assert.Equal(t, "40.00", rec.Values["close"])
	assert.Equal(t, "res-1", rec.Fields["close"].Resolution.ID)
	assert.False(t, rec.Fields["close"].Disputed, "a kept resolution settles the dispute")
	assert.NoError(t, rec.Validate())

	// New data invalidates the resolution.
	changed := []model.SourceObservation{ob("a", "37.60", 1), ob("b", "41.00", 2)}
	out = Merge(rec, map[string][]model.SourceObservation{"close": changed, "open": nil}, th)
	require.Len(t, out, 1, "fields without observations are skipped")
	assert.False(t, out[0].Preserved)
	assert.Equal(t, "37.60", rec.Values["close"])
	assert.Nil(t, rec.Fields["close"].Resolution)
	assert.True(t, rec.Fields["close"].Disputed)
}
