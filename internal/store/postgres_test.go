package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/factsync/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func sampleRecord() *model.FactRecord {
	rec := model.NewFactRecord("AAPL", model.KindPrice, "2024-03-01")
	rec.SetField(model.FieldRecord{
		Field: "close",
		Observations: []model.SourceObservation{
			{Source: "yahoo", Field: "close", Value: "180.10", Kind: model.KindPrice, Priority: 1},
		},
		FinalValue:   "180.10",
		FinalSource:  "yahoo",
		SourcesCount: 1,
		Deviation:    decimal.Zero,
		Severity:     model.SeverityNone,
	})
	return rec
}

func TestPostgresStore_GetFactRecord_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, asset_id, kind, ref_date::text, .* FROM fact_records WHERE asset_id = \$1 AND kind = \$2 AND ref_date = \$3`).
		WithArgs("AAPL", "price", "2024-03-01").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.GetFactRecord(context.Background(), "AAPL", model.KindPrice, "2024-03-01")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetFactRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"id", "asset_id", "kind", "ref_date", "field_values", "fields", "version", "created_at", "updated_at"}).
		AddRow("rec-1", "AAPL", "price", "2024-03-01",
			[]byte(`{"close":"180.10"}`),
			[]byte(`{"close":{"field":"close","observations":[{"source":"yahoo","field":"close","value":"180.10","kind":"price","priority":1}],"final_value":"180.10","final_source":"yahoo","sources_count":1,"deviation":"0","severity":"none"}}`),
			3, now, now)
	mock.ExpectQuery(`FROM fact_records WHERE asset_id = \$1`).
		WithArgs("AAPL", "price", "2024-03-01").
		WillReturnRows(rows)

	rec, err := s.GetFactRecord(context.Background(), "AAPL", model.KindPrice, "2024-03-01")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Version)
	assert.Equal(t, "180.10", rec.Values["close"])
	assert.Equal(t, "yahoo", rec.Fields["close"].FinalSource)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveFactRecord_Insert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord()

	mock.ExpectExec(`INSERT INTO fact_records .* ON CONFLICT \(asset_id, kind, ref_date\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "AAPL", "price", "2024-03-01", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveFactRecord(context.Background(), rec))
	assert.Equal(t, 1, rec.Version)
	assert.NotEmpty(t, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveFactRecord_InsertRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord()

	mock.ExpectExec(`INSERT INTO fact_records`).
		WithArgs(pgxmock.AnyArg(), "AAPL", "price", "2024-03-01", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.SaveFactRecord(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrVersionConflict))
	assert.Equal(t, 0, rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveFactRecord_StaleVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord()
	rec.Version = 4

	mock.ExpectExec(`UPDATE fact_records SET .* WHERE asset_id = \$4 AND kind = \$5 AND ref_date = \$6 AND version = \$7`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "AAPL", "price", "2024-03-01", 4).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SaveFactRecord(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrVersionConflict))
	assert.Equal(t, 4, rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveFactRecord_RejectsInvalid(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord()
	rec.Values["close"] = "999"

	err := s.SaveFactRecord(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of sync")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCandidate_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM discrepancies WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCandidate(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListCandidates_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM discrepancies WHERE true AND asset_id = \$1 AND status = \$2 AND severity = ANY\(\$3\) ORDER BY created_at DESC, id LIMIT \$4 OFFSET \$5`).
		WithArgs("AAPL", "open", []string{"medium", "high"}, 10, 20).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	out, err := s.ListCandidates(context.Background(), model.DiscrepancyFilter{
		AssetID:     "AAPL",
		Status:      model.CandidateOpen,
		MinSeverity: model.SeverityMedium,
		Limit:       10,
		Offset:      20,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyResolution_RollsBackOnConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord()
	rec.Version = 2

	res := &model.DiscrepancyResolution{
		CandidateID: "cand-1", AssetID: "AAPL", Kind: model.KindPrice, RefDate: "2024-03-01", Field: "close",
		NewValue: "180.10", SelectedSource: "yahoo", Method: model.ResolutionManual, Resolver: "alice",
		Severity: model.SeverityHigh, Deviation: decimal.RequireFromString("0.06"),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO discrepancy_resolutions`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE discrepancies SET status = 'resolved'`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE fact_records SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.ApplyResolution(context.Background(), res, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrVersionConflict))
	assert.Equal(t, 2, rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyResolution_Commits(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := sampleRecord()
	rec.Version = 2

	res := &model.DiscrepancyResolution{
		CandidateID: "cand-1", AssetID: "AAPL", Kind: model.KindPrice, RefDate: "2024-03-01", Field: "close",
		NewValue: "180.10", SelectedSource: "yahoo", Method: model.ResolutionManual, Resolver: "alice",
		Severity: model.SeverityHigh, Deviation: decimal.RequireFromString("0.06"),
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO discrepancy_resolutions`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE discrepancies SET status = 'resolved'`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE fact_records SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ApplyResolution(context.Background(), res, rec))
	assert.Equal(t, 3, rec.Version)
	assert.NotEmpty(t, res.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SupersedeOpenCandidate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE discrepancies SET status = 'superseded'`).
		WithArgs("AAPL", "price", "2024-03-01", "close", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("cand-1"))
	mock.ExpectQuery(`UPDATE discrepancies SET status = 'superseded'`).
		WithArgs("AAPL", "price", "2024-03-01", "close", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	id, err := s.SupersedeOpenCandidate(context.Background(), "AAPL", model.KindPrice, "2024-03-01", "close")
	require.NoError(t, err)
	assert.Equal(t, "cand-1", id)

	id, err = s.SupersedeOpenCandidate(context.Background(), "AAPL", model.KindPrice, "2024-03-01", "close")
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListResolutions_InsertionOrder(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM discrepancy_resolutions WHERE asset_id = \$1 AND kind = \$2 AND ref_date = \$3 AND field = \$4 ORDER BY seq`).
		WithArgs("AAPL", "price", "2024-03-01", "close").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	out, err := s.ListResolutions(context.Background(), "AAPL", model.KindPrice, "2024-03-01", "close")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetDefaultProfile_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE profiles SET is_default = false`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE profiles SET is_default = true`).
		WithArgs(pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.SetDefaultProfile(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateProfile_VersionConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	p := &model.Profile{ID: "p1", Name: "fast", MinScrapers: 1, MaxScrapers: 2, Adapters: []string{"yahoo"}, Version: 3}

	mock.ExpectExec(`UPDATE profiles SET .* WHERE id = \$13 AND version = \$14`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateProfile(context.Background(), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrVersionConflict))
	assert.Equal(t, 3, p.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendScraperRuns_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"scraper_runs"}, scraperRunCopyColumns).WillReturnResult(2)

	runs := []model.ScraperRunRecord{
		{RunID: "r1", AdapterID: "yahoo", AssetID: "AAPL", Attempt: 1, Success: true, LatencyMs: 120},
		{RunID: "r1", AdapterID: "stooq", AssetID: "AAPL", Attempt: 1, ErrorKind: model.ErrorKindTimeout, Error: "deadline"},
	}
	require.NoError(t, s.AppendScraperRuns(context.Background(), runs))
	assert.NotEmpty(t, runs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdapterStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Now().Add(-24 * time.Hour)

	mock.ExpectQuery(`SELECT adapter_id, COUNT\(\*\), COUNT\(\*\) FILTER \(WHERE success\)`).
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"adapter_id", "count", "successes", "avg"}).
			AddRow("stooq", 4, 1, 900.0).
			AddRow("yahoo", 10, 9, 150.5))

	stats, err := s.AdapterStats(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "yahoo", stats[1].AdapterID)
	assert.InDelta(t, 0.9, stats[1].SuccessRate(), 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishSyncRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	run := &model.SyncRun{ID: "run-1", AssetID: "AAPL", Status: model.SyncComplete, StartedAt: time.Now().Add(-time.Second), Observations: 12}

	mock.ExpectExec(`UPDATE sync_runs SET status = \$1`).
		WithArgs("complete", pgxmock.AnyArg(), pgxmock.AnyArg(), 12, 0, 0, "", "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FinishSyncRun(context.Background(), run))
	require.NotNil(t, run.CompletedAt)
	assert.GreaterOrEqual(t, run.DurationMs, int64(1000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailStaleSyncRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectExec(`UPDATE sync_runs SET status = 'failed'`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := s.FailStaleSyncRuns(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutSettings_BulkUpserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_settings"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_settings"}, []string{"key", "value", "updated_at"}).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "settings"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.PutSettings(context.Background(), map[string][]byte{"auto_resolve": []byte("true")}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSettings(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key, value FROM settings`).
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).AddRow("synced_threshold", []byte("25")))

	got, err := s.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "25", string(got["synced_threshold"]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeveritiesAtLeast(t *testing.T) {
	assert.Nil(t, severitiesAtLeast(""))
	assert.Nil(t, severitiesAtLeast(model.SeverityNone))
	assert.Equal(t, []string{"low", "medium", "high"}, severitiesAtLeast(model.SeverityLow))
	assert.Equal(t, []string{"high"}, severitiesAtLeast(model.SeverityHigh))
}
