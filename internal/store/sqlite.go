package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/factsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers. Transactions must not call
	// back into s.db while open.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS fact_records (
	id           TEXT PRIMARY KEY,
	asset_id     TEXT NOT NULL,
	kind         TEXT NOT NULL,
	ref_date     TEXT NOT NULL,
	field_values TEXT NOT NULL DEFAULT '{}',
	fields       TEXT NOT NULL DEFAULT '{}',
	version      INTEGER NOT NULL DEFAULT 1,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (asset_id, kind, ref_date)
);

CREATE TABLE IF NOT EXISTS discrepancies (
	id              TEXT PRIMARY KEY,
	asset_id        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	ref_date        TEXT NOT NULL,
	field           TEXT NOT NULL,
	severity        TEXT NOT NULL,
	deviation       TEXT NOT NULL DEFAULT '0',
	snapshot        TEXT NOT NULL DEFAULT '[]',
	selected_value  TEXT NOT NULL DEFAULT '',
	selected_source TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'open',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	resolved_at     DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_discrepancies_open_key
	ON discrepancies (asset_id, kind, ref_date, field) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_discrepancies_status ON discrepancies (status, created_at);

CREATE TABLE IF NOT EXISTS discrepancy_resolutions (
	id              TEXT PRIMARY KEY,
	candidate_id    TEXT NOT NULL REFERENCES discrepancies(id),
	asset_id        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	ref_date        TEXT NOT NULL,
	field           TEXT NOT NULL,
	old_value       TEXT NOT NULL DEFAULT '',
	new_value       TEXT NOT NULL,
	selected_source TEXT NOT NULL DEFAULT '',
	method          TEXT NOT NULL,
	resolver        TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT '',
	severity        TEXT NOT NULL,
	deviation       TEXT NOT NULL DEFAULT '0',
	snapshot        TEXT NOT NULL DEFAULT '[]',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_resolutions_key ON discrepancy_resolutions (asset_id, kind, ref_date, field, created_at);

CREATE TABLE IF NOT EXISTS profiles (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	display_name      TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	min_scrapers      INTEGER NOT NULL,
	max_scrapers      INTEGER NOT NULL,
	adapters          TEXT NOT NULL DEFAULT '[]',
	fallback_enabled  INTEGER NOT NULL DEFAULT 0,
	fallback_adapter  TEXT NOT NULL DEFAULT '',
	asset_concurrency INTEGER NOT NULL DEFAULT 1,
	est_duration_secs REAL NOT NULL DEFAULT 0,
	est_cost_usd      REAL NOT NULL DEFAULT 0,
	is_default        INTEGER NOT NULL DEFAULT 0,
	is_system         INTEGER NOT NULL DEFAULT 0,
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_single_default ON profiles (is_default) WHERE is_default = 1;

CREATE TABLE IF NOT EXISTS profile_audit (
	id           TEXT PRIMARY KEY,
	profile_id   TEXT NOT NULL,
	action       TEXT NOT NULL,
	actor        TEXT NOT NULL,
	before_state TEXT,
	after_state  TEXT,
	adapters     TEXT NOT NULL DEFAULT '[]',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_profile_audit_profile ON profile_audit (profile_id, created_at);

CREATE TABLE IF NOT EXISTS scraper_runs (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	adapter_id TEXT NOT NULL,
	asset_id   TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	success    INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	fallback   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_scraper_runs_adapter ON scraper_runs (adapter_id, created_at);
CREATE INDEX IF NOT EXISTS idx_scraper_runs_run ON scraper_runs (run_id);

CREATE TABLE IF NOT EXISTS sync_runs (
	id              TEXT PRIMARY KEY,
	asset_id        TEXT NOT NULL,
	profile_id      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'running',
	started_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at    DATETIME,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	observations    INTEGER NOT NULL DEFAULT 0,
	adapters_ok     INTEGER NOT NULL DEFAULT 0,
	adapters_failed INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_asset ON sync_runs (asset_id, started_at);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- Canonical records ---

func (s *SQLiteStore) GetFactRecord(ctx context.Context, assetID string, kind model.RecordKind, refDate string) (*model.FactRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM fact_records WHERE asset_id = ? AND kind = ? AND ref_date = ?`,
		assetID, string(kind), refDate,
	)
	rec, err := scanFactRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get fact record %s/%s/%s", assetID, kind, refDate)
	}
	return rec, nil
}

func (s *SQLiteStore) SaveFactRecord(ctx context.Context, rec *model.FactRecord) error {
	return saveSQLiteFactRecord(ctx, s.db, rec)
}

func saveSQLiteFactRecord(ctx context.Context, q sqlExecer, rec *model.FactRecord) error {
	valuesJSON, fieldsJSON, err := marshalFactRecord(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: save fact record")
	}
	now := time.Now().UTC()

	if rec.Version == 0 {
		id := uuid.New().String()
		res, err := q.ExecContext(ctx,
			`INSERT INTO fact_records (id, asset_id, kind, ref_date, field_values, fields, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?) ON CONFLICT (asset_id, kind, ref_date) DO NOTHING`,
			id, rec.AssetID, string(rec.Kind), rec.RefDate, string(valuesJSON), string(fieldsJSON), now, now,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert fact record")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(model.ErrVersionConflict, "sqlite: fact record %s/%s/%s already exists", rec.AssetID, rec.Kind, rec.RefDate)
		}
		rec.ID = id
		rec.Version = 1
		rec.CreatedAt = now
		rec.UpdatedAt = now
		return nil
	}

	res, err := q.ExecContext(ctx,
		`UPDATE fact_records SET field_values = ?, fields = ?, version = version + 1, updated_at = ? WHERE asset_id = ? AND kind = ? AND ref_date = ? AND version = ?`,
		string(valuesJSON), string(fieldsJSON), now, rec.AssetID, string(rec.Kind), rec.RefDate, rec.Version,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update fact record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(model.ErrVersionConflict, "sqlite: fact record %s/%s/%s at version %d", rec.AssetID, rec.Kind, rec.RefDate, rec.Version)
	}
	rec.Version++
	rec.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) ListFactRecords(ctx context.Context, filter RecordFilter) ([]model.FactRecord, error) {
	query := `SELECT ` + factColumns + ` FROM fact_records WHERE 1=1`
	var args []any

	if filter.AssetID != "" {
		query += ` AND asset_id = ?`
		args = append(args, filter.AssetID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.From != "" {
		query += ` AND ref_date >= ?`
		args = append(args, filter.From)
	}
	if filter.To != "" {
		query += ` AND ref_date <= ?`
		args = append(args, filter.To)
	}
	query += ` ORDER BY ref_date DESC, kind LIMIT ?`
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list fact records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FactRecord
	for rows.Next() {
		rec, err := scanFactRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fact record")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list fact records iterate")
}

func (s *SQLiteStore) RecordStats(ctx context.Context) ([]model.RecordStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id, COUNT(*), MIN(ref_date), MAX(ref_date) FROM fact_records GROUP BY asset_id ORDER BY asset_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: record stats")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RecordStats
	for rows.Next() {
		var st model.RecordStats
		if err := rows.Scan(&st.AssetID, &st.Count, &st.OldestDate, &st.NewestDate); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record stats")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: record stats iterate")
}

// --- Discrepancies ---

func (s *SQLiteStore) UpsertOpenCandidate(ctx context.Context, c *model.DiscrepancyCandidate) error {
	snapshot, err := snapshotJSON(c.Snapshot)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert candidate")
	}
	now := time.Now().UTC()
	id := uuid.New().String()

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO discrepancies (id, asset_id, kind, ref_date, field, severity, deviation, snapshot, selected_value, selected_source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?, ?)
		ON CONFLICT (asset_id, kind, ref_date, field) WHERE status = 'open'
		DO UPDATE SET severity = excluded.severity, deviation = excluded.deviation, snapshot = excluded.snapshot,
			selected_value = excluded.selected_value, selected_source = excluded.selected_source, updated_at = excluded.updated_at
		RETURNING id`,
		id, c.AssetID, string(c.Kind), c.RefDate, c.Field, string(c.Severity), c.Deviation.String(), string(snapshot),
		c.SelectedValue, c.SelectedSource, now, now,
	).Scan(&c.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert candidate %s/%s/%s/%s", c.AssetID, c.Kind, c.RefDate, c.Field)
	}
	if c.ID == id || c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.Status = model.CandidateOpen
	c.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*model.DiscrepancyCandidate, error) {
	c, err := scanCandidate(s.db.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM discrepancies WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "sqlite: candidate %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get candidate %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) GetOpenCandidate(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) (*model.DiscrepancyCandidate, error) {
	c, err := scanCandidate(s.db.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM discrepancies WHERE asset_id = ? AND kind = ? AND ref_date = ? AND field = ? AND status = 'open'`,
		assetID, string(kind), refDate, field,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get open candidate")
	}
	return c, nil
}

func (s *SQLiteStore) SupersedeOpenCandidate(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE discrepancies SET status = 'superseded', updated_at = ?
		WHERE asset_id = ? AND kind = ? AND ref_date = ? AND field = ? AND status = 'open'
		RETURNING id`,
		time.Now().UTC(), assetID, string(kind), refDate, field,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrapf(err, "sqlite: supersede candidate %s/%s/%s/%s", assetID, kind, refDate, field)
	}
	return id, nil
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, filter model.DiscrepancyFilter) ([]model.DiscrepancyCandidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM discrepancies WHERE 1=1`
	var args []any

	if filter.AssetID != "" {
		query += ` AND asset_id = ?`
		args = append(args, filter.AssetID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if sev := severitiesAtLeast(filter.MinSeverity); len(sev) > 0 {
		query += ` AND severity IN (?` + strings.Repeat(`, ?`, len(sev)-1) + `)`
		for _, v := range sev {
			args = append(args, v)
		}
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list candidates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DiscrepancyCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) CountOpenCandidates(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM discrepancies WHERE status = 'open'`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count open candidates")
	}
	return n, nil
}

func (s *SQLiteStore) ApplyResolution(ctx context.Context, res *model.DiscrepancyResolution, rec *model.FactRecord) error {
	snapshot, err := snapshotJSON(res.Snapshot)
	if err != nil {
		return eris.Wrap(err, "sqlite: apply resolution")
	}
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	version := rec.Version

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO discrepancy_resolutions (`+resolutionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.ID, res.CandidateID, res.AssetID, string(res.Kind), res.RefDate, res.Field, res.OldValue, res.NewValue,
			res.SelectedSource, string(res.Method), res.Resolver, res.Reason, string(res.Severity), res.Deviation.String(), string(snapshot), res.CreatedAt,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert resolution")
		}

		r, err := tx.ExecContext(ctx,
			`UPDATE discrepancies SET status = 'resolved', selected_value = ?, selected_source = ?, resolved_at = ?, updated_at = ? WHERE id = ?`,
			res.NewValue, res.SelectedSource, res.CreatedAt, res.CreatedAt, res.CandidateID,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: resolve candidate")
		}
		if err := checkRowsAffected(r, "candidate", res.CandidateID); err != nil {
			return err
		}

		return saveSQLiteFactRecord(ctx, tx, rec)
	})
	if err != nil {
		rec.Version = version
		return err
	}
	return nil
}

func (s *SQLiteStore) ListResolutions(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) ([]model.DiscrepancyResolution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resolutionColumns+` FROM discrepancy_resolutions WHERE asset_id = ? AND kind = ? AND ref_date = ? AND field = ? ORDER BY rowid`,
		assetID, string(kind), refDate, field,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list resolutions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DiscrepancyResolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan resolution")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list resolutions iterate")
}

// --- Profiles ---

func (s *SQLiteStore) CreateProfile(ctx context.Context, p *model.Profile) error {
	adapters, err := profileArgs(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: create profile")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.DisplayName, p.Description, p.MinScrapers, p.MaxScrapers, string(adapters), p.FallbackEnabled, p.FallbackAdapter,
		p.AssetConcurrency, p.EstimatedDurationSecs, p.EstimatedCostUSD, p.IsDefault, p.IsSystem, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: create profile %s", p.Name)
}

func (s *SQLiteStore) UpdateProfile(ctx context.Context, p *model.Profile) error {
	adapters, err := profileArgs(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: update profile")
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET name = ?, display_name = ?, description = ?, min_scrapers = ?, max_scrapers = ?, adapters = ?,
			fallback_enabled = ?, fallback_adapter = ?, asset_concurrency = ?, est_duration_secs = ?, est_cost_usd = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		p.Name, p.DisplayName, p.Description, p.MinScrapers, p.MaxScrapers, string(adapters), p.FallbackEnabled, p.FallbackAdapter,
		p.AssetConcurrency, p.EstimatedDurationSecs, p.EstimatedCostUSD, now, p.ID, p.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update profile %s", p.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(model.ErrVersionConflict, "sqlite: profile %s at version %d", p.ID, p.Version)
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ? AND is_system = 0`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete profile %s", id)
	}
	return checkRowsAffected(res, "profile", id)
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	return s.getProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
}

func (s *SQLiteStore) GetProfileByName(ctx context.Context, name string) (*model.Profile, error) {
	return s.getProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE name = ?`, name)
}

func (s *SQLiteStore) GetDefaultProfile(ctx context.Context) (*model.Profile, error) {
	return s.getProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE is_default = 1`)
}

func (s *SQLiteStore) getProfile(ctx context.Context, query string, args ...any) (*model.Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrap(model.ErrNotFound, "sqlite: profile")
		}
		return nil, eris.Wrap(err, "sqlite: get profile")
	}
	return p, nil
}

func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY is_system DESC, name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list profiles")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan profile")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list profiles iterate")
}

func (s *SQLiteStore) SetDefaultProfile(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE profiles SET is_default = 0, updated_at = ? WHERE is_default = 1 AND id <> ?`, now, id); err != nil {
			return eris.Wrap(err, "sqlite: clear default profile")
		}
		res, err := tx.ExecContext(ctx, `UPDATE profiles SET is_default = 1, updated_at = ? WHERE id = ?`, now, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: set default profile %s", id)
		}
		return checkRowsAffected(res, "profile", id)
	})
}

func (s *SQLiteStore) AppendProfileAudit(ctx context.Context, a *model.ProfileAudit) error {
	before, after, adapters, err := auditArgs(a)
	if err != nil {
		return eris.Wrap(err, "sqlite: append profile audit")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profile_audit (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProfileID, string(a.Action), a.Actor, string(before), string(after), string(adapters), a.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: append profile audit")
}

func (s *SQLiteStore) ListProfileAudit(ctx context.Context, profileID string, limit int) ([]model.ProfileAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM profile_audit`
	var args []any
	if profileID != "" {
		query += ` WHERE profile_id = ?`
		args = append(args, profileID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list profile audit")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProfileAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan profile audit")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list profile audit iterate")
}

// --- Telemetry ---

func (s *SQLiteStore) AppendScraperRuns(ctx context.Context, runs []model.ScraperRunRecord) error {
	if len(runs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO scraper_runs (`+scraperRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare scraper run insert")
		}
		defer stmt.Close() //nolint:errcheck

		for i := range runs {
			r := &runs[i]
			if r.ID == "" {
				r.ID = uuid.New().String()
			}
			if r.CreatedAt.IsZero() {
				r.CreatedAt = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.RunID, r.AdapterID, r.AssetID, r.Attempt, r.Success,
				r.LatencyMs, string(r.ErrorKind), r.Error, r.Fallback, r.CreatedAt); err != nil {
				return eris.Wrapf(err, "sqlite: insert scraper run %s", r.AdapterID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListScraperRuns(ctx context.Context, runID string) ([]model.ScraperRunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scraperRunColumns+` FROM scraper_runs WHERE run_id = ? ORDER BY created_at, adapter_id, attempt`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list scraper runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ScraperRunRecord
	for rows.Next() {
		r, err := scanScraperRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scraper run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list scraper runs iterate")
}

func (s *SQLiteStore) AdapterStats(ctx context.Context, since time.Time) ([]model.AdapterStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT adapter_id, COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(latency_ms), 0)
		FROM scraper_runs WHERE created_at >= ? GROUP BY adapter_id ORDER BY adapter_id`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: adapter stats")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AdapterStats
	for rows.Next() {
		var st model.AdapterStats
		if err := rows.Scan(&st.AdapterID, &st.Attempts, &st.Successes, &st.AvgLatencyMs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan adapter stats")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: adapter stats iterate")
}

// --- Sync log ---

func (s *SQLiteStore) StartSyncRun(ctx context.Context, assetID, profileID string) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:        uuid.New().String(),
		AssetID:   assetID,
		ProfileID: profileID,
		Status:    model.SyncRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, asset_id, profile_id, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.AssetID, run.ProfileID, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: start sync run %s", assetID)
	}
	return run, nil
}

func (s *SQLiteStore) FinishSyncRun(ctx context.Context, run *model.SyncRun) error {
	finishDuration(run, time.Now().UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, completed_at = ?, duration_ms = ?, observations = ?, adapters_ok = ?, adapters_failed = ?, error = ? WHERE id = ?`,
		string(run.Status), run.CompletedAt, run.DurationMs, run.Observations, run.AdaptersOK, run.AdaptersFailed, run.Error, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish sync run %s", run.ID)
	}
	return checkRowsAffected(res, "sync run", run.ID)
}

func (s *SQLiteStore) LatestSyncRuns(ctx context.Context) ([]model.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs r
		WHERE r.id = (SELECT r2.id FROM sync_runs r2 WHERE r2.asset_id = r.asset_id ORDER BY r2.started_at DESC, r2.id DESC LIMIT 1)
		ORDER BY r.asset_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest sync runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: latest sync runs iterate")
}

func (s *SQLiteStore) FailStaleSyncRuns(ctx context.Context, startedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = 'failed', completed_at = ?, error = 'abandoned' WHERE status = 'running' AND started_at < ?`,
		time.Now().UTC(), startedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: fail stale sync runs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- Settings ---

func (s *SQLiteStore) GetSettings(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get settings")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string][]byte)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan setting")
		}
		out[key] = []byte(value)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get settings iterate")
}

func (s *SQLiteStore) PutSettings(ctx context.Context, values map[string][]byte) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for k, v := range values {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				k, string(v), now,
			); err != nil {
				return eris.Wrapf(err, "sqlite: put setting %s", k)
			}
		}
		return nil
	})
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
