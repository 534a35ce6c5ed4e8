package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/factsync/internal/model"
)

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) GetSettings(ctx context.Context) (map[string][]byte, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.(map[string][]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBackend) PutSettings(ctx context.Context, values map[string][]byte) error {
	args := m.Called(ctx, values)
	return args.Error(0)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBands_Classify(t *testing.T) {
	b := Default().Bands
	tests := []struct {
		dev  string
		want model.Severity
	}{
		{"0", model.SeverityNone},
		{"0.0013", model.SeverityNone},
		{"0.01", model.SeverityLow},
		{"0.02", model.SeverityLow},
		{"0.025", model.SeverityMedium},
		{"0.049", model.SeverityMedium},
		{"0.05", model.SeverityHigh},
		{"1", model.SeverityHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Classify(d(tt.dev)), tt.dev)
	}
}

func TestThresholds_Validate(t *testing.T) {
	require.NoError(t, Default().Validate())

	bad := Default()
	bad.Bands.Medium = d("0.5")
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.FlagSeverity = model.SeverityNone
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Fields["pe_ratio"] = FieldRule{Bands: &Bands{Low: d("0.1"), Medium: d("0.05"), High: d("0.2")}}
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.SourcePriority["yahoo"] = 0
	assert.Error(t, bad.Validate())
}

func TestThresholds_FieldOverrides(t *testing.T) {
	th := Default()
	th.Fields["pe_ratio"] = FieldRule{Bands: &Bands{Low: d("0.05"), Medium: d("0.1"), High: d("0.2")}}
	th.Fields["sector"] = FieldRule{Text: true}

	assert.Equal(t, model.SeverityNone, th.Classify("pe_ratio", d("0.04")))
	assert.Equal(t, model.SeverityLow, th.Classify("close", d("0.04")))
	assert.True(t, th.IsText("sector"))
	assert.False(t, th.IsText("close"))
	assert.True(t, th.ShouldFlag(model.SeverityHigh))
	assert.True(t, th.ShouldFlag(model.SeverityMedium))
	assert.False(t, th.ShouldFlag(model.SeverityLow))
}

func TestThresholds_CloneIsDeep(t *testing.T) {
	th := Default()
	th.Fields["x"] = FieldRule{Bands: &Bands{Low: d("0.1"), Medium: d("0.2"), High: d("0.3")}}
	c := th.Clone()
	c.Fields["x"].Bands.Low = d("0.5")
	c.SourcePriority["y"] = 3
	assert.True(t, th.Fields["x"].Bands.Low.Equal(d("0.1")))
	assert.NotContains(t, th.SourcePriority, "y")
}

func TestStore_CachesUntilUpdate(t *testing.T) {
	backend := new(mockBackend)
	backend.On("GetSettings", mock.Anything).Return(map[string][]byte{
		"synced_threshold": []byte(`10`),
		"bands":            []byte(`{"low":"0.02","medium":"0.03","high":"0.06"}`),
	}, nil).Twice()
	backend.On("PutSettings", mock.Anything, mock.Anything).Return(nil).Once()

	s := NewStore(backend)
	ctx := context.Background()

	t1, err := s.Thresholds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, t1.SyncedThreshold)
	assert.True(t, t1.Bands.Low.Equal(d("0.02")))

	t1.SyncedThreshold = 99
	t2, err := s.Thresholds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, t2.SyncedThreshold, "cached copy must not be mutated by callers")

	require.NoError(t, s.Update(ctx, Default()))
	_, err = s.Thresholds(ctx)
	require.NoError(t, err)

	backend.AssertExpectations(t)
	backend.AssertNumberOfCalls(t, "GetSettings", 2)
}

func TestStore_UpdateRejectsInvalid(t *testing.T) {
	backend := new(mockBackend)
	s := NewStore(backend)

	bad := Default()
	bad.SyncedThreshold = 0
	require.Error(t, s.Update(context.Background(), bad))
	backend.AssertNotCalled(t, "PutSettings", mock.Anything, mock.Anything)
}

func TestStore_BackendError(t *testing.T) {
	backend := new(mockBackend)
	backend.On("GetSettings", mock.Anything).Return(nil, errors.New("db down"))

	_, err := NewStore(backend).Thresholds(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestStore_RoundTripsThroughEncoding(t *testing.T) {
	th := Default()
	th.AutoResolve = true
	th.SourcePriority["yahoo"] = 2
	th.Fields["sector"] = FieldRule{Text: true}

	rows, err := encode(th)
	require.NoError(t, err)
	got, err := decode(rows)
	require.NoError(t, err)
	assert.True(t, got.AutoResolve)
	assert.Equal(t, 2, got.SourcePriority["yahoo"])
	assert.True(t, got.IsText("sector"))
	assert.True(t, got.Bands.High.Equal(th.Bands.High))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
thresholds:
  defaults:
    low_pct: 1
    medium_pct: 2
    high_pct: 5
    flag_severity: high
    synced_threshold: 20
  fields:
    pe_ratio:
      high_pct: 10
    sector:
      text: true
  source_priority:
    morningstar: 4
`), 0o644))

	th, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, th.Bands.Medium.Equal(d("0.02")))
	assert.Equal(t, model.SeverityHigh, th.FlagSeverity)
	assert.Equal(t, 20, th.SyncedThreshold)
	assert.True(t, th.BandsFor("pe_ratio").High.Equal(d("0.1")))
	assert.True(t, th.BandsFor("pe_ratio").Low.Equal(d("0.01")))
	assert.True(t, th.IsText("sector"))
	assert.Equal(t, 4, th.Priority("morningstar", 9))
	assert.Equal(t, 9, th.Priority("unknown", 9))
}

func TestLoadFile_Invalid(t *testing.T) {
	_, err := Parse([]byte("thresholds:\n  defaults:\n    low_pct: 10\n    high_pct: 5\n"))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
