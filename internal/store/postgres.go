package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/factsync/internal/db"
	"github.com/sells-group/factsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// Postgres column lists. Dates and decimals are read back as text.
const (
	pgFactColumns       = `id, asset_id, kind, ref_date::text, field_values, fields, version, created_at, updated_at`
	pgCandidateColumns  = `id, asset_id, kind, ref_date::text, field, severity, deviation::text, snapshot, selected_value, selected_source, status, created_at, updated_at, resolved_at`
	pgResolutionColumns = `id, candidate_id, asset_id, kind, ref_date::text, field, old_value, new_value, selected_source, method, resolver, reason, severity, deviation::text, snapshot, created_at`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS fact_records (
	id           TEXT PRIMARY KEY,
	asset_id     TEXT NOT NULL,
	kind         TEXT NOT NULL,
	ref_date     DATE NOT NULL,
	field_values JSONB NOT NULL DEFAULT '{}',
	fields       JSONB NOT NULL DEFAULT '{}',
	version      INTEGER NOT NULL DEFAULT 1,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (asset_id, kind, ref_date)
);

CREATE TABLE IF NOT EXISTS discrepancies (
	id              TEXT PRIMARY KEY,
	asset_id        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	ref_date        DATE NOT NULL,
	field           TEXT NOT NULL,
	severity        TEXT NOT NULL,
	deviation       NUMERIC NOT NULL DEFAULT 0,
	snapshot        JSONB NOT NULL DEFAULT '[]',
	selected_value  TEXT NOT NULL DEFAULT '',
	selected_source TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'open',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at     TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_discrepancies_open_key
	ON discrepancies (asset_id, kind, ref_date, field) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_discrepancies_status ON discrepancies (status, created_at DESC);

CREATE TABLE IF NOT EXISTS discrepancy_resolutions (
	id              TEXT PRIMARY KEY,
	candidate_id    TEXT NOT NULL REFERENCES discrepancies(id),
	asset_id        TEXT NOT NULL,
	kind            TEXT NOT NULL,
	ref_date        DATE NOT NULL,
	field           TEXT NOT NULL,
	old_value       TEXT NOT NULL DEFAULT '',
	new_value       TEXT NOT NULL,
	selected_source TEXT NOT NULL DEFAULT '',
	method          TEXT NOT NULL,
	resolver        TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	severity        TEXT NOT NULL,
	deviation       NUMERIC NOT NULL DEFAULT 0,
	snapshot        JSONB NOT NULL DEFAULT '[]',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	seq             BIGSERIAL
);

ALTER TABLE discrepancy_resolutions ADD COLUMN IF NOT EXISTS seq BIGSERIAL;

CREATE INDEX IF NOT EXISTS idx_resolutions_key ON discrepancy_resolutions (asset_id, kind, ref_date, field, created_at);

CREATE TABLE IF NOT EXISTS profiles (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL UNIQUE,
	display_name      TEXT NOT NULL DEFAULT '',
	description       TEXT NOT NULL DEFAULT '',
	min_scrapers      INTEGER NOT NULL,
	max_scrapers      INTEGER NOT NULL,
	adapters          JSONB NOT NULL DEFAULT '[]',
	fallback_enabled  BOOLEAN NOT NULL DEFAULT false,
	fallback_adapter  TEXT NOT NULL DEFAULT '',
	asset_concurrency INTEGER NOT NULL DEFAULT 1,
	est_duration_secs DOUBLE PRECISION NOT NULL DEFAULT 0,
	est_cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_default        BOOLEAN NOT NULL DEFAULT false,
	is_system         BOOLEAN NOT NULL DEFAULT false,
	version           INTEGER NOT NULL DEFAULT 1,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_profiles_single_default ON profiles (is_default) WHERE is_default;

CREATE TABLE IF NOT EXISTS profile_audit (
	id           TEXT PRIMARY KEY,
	profile_id   TEXT NOT NULL,
	action       TEXT NOT NULL,
	actor        TEXT NOT NULL,
	before_state JSONB,
	after_state  JSONB,
	adapters     JSONB NOT NULL DEFAULT '[]',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_profile_audit_profile ON profile_audit (profile_id, created_at DESC);

CREATE TABLE IF NOT EXISTS scraper_runs (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	adapter_id TEXT NOT NULL,
	asset_id   TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	success    BOOLEAN NOT NULL,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	fallback   BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scraper_runs_adapter ON scraper_runs (adapter_id, created_at);
CREATE INDEX IF NOT EXISTS idx_scraper_runs_run ON scraper_runs (run_id);

CREATE TABLE IF NOT EXISTS sync_runs (
	id              TEXT PRIMARY KEY,
	asset_id        TEXT NOT NULL,
	profile_id      TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'running',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	observations    INTEGER NOT NULL DEFAULT 0,
	adapters_ok     INTEGER NOT NULL DEFAULT 0,
	adapters_failed INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_asset ON sync_runs (asset_id, started_at DESC);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}


type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// --- Canonical records ---

func (s *PostgresStore) GetFactRecord(ctx context.Context, assetID string, kind model.RecordKind, refDate string) (*model.FactRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgFactColumns+` FROM fact_records WHERE asset_id = $1 AND kind = $2 AND ref_date = $3`,
		assetID, string(kind), refDate,
	)
	rec, err := scanFactRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get fact record %s/%s/%s", assetID, kind, refDate)
	}
	return rec, nil
}

func (s *PostgresStore) SaveFactRecord(ctx context.Context, rec *model.FactRecord) error {
	return savePGFactRecord(ctx, s.pool, rec)
}

func savePGFactRecord(ctx context.Context, q pgExecer, rec *model.FactRecord) error {
	valuesJSON, fieldsJSON, err := marshalFactRecord(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: save fact record")
	}
	now := time.Now().UTC()

	if rec.Version == 0 {
		id := uuid.New().String()
		tag, err := q.Exec(ctx,
			`INSERT INTO fact_records (id, asset_id, kind, ref_date, field_values, fields, version, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7) ON CONFLICT (asset_id, kind, ref_date) DO NOTHING`,
			id, rec.AssetID, string(rec.Kind), rec.RefDate, valuesJSON, fieldsJSON, now,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert fact record")
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(model.ErrVersionConflict, "postgres: fact record %s/%s/%s already exists", rec.AssetID, rec.Kind, rec.RefDate)
		}
		rec.ID = id
		rec.Version = 1
		rec.CreatedAt = now
		rec.UpdatedAt = now
		return nil
	}

	tag, err := q.Exec(ctx,
		`UPDATE fact_records SET field_values = $1, fields = $2, version = version + 1, updated_at = $3 WHERE asset_id = $4 AND kind = $5 AND ref_date = $6 AND version = $7`,
		valuesJSON, fieldsJSON, now, rec.AssetID, string(rec.Kind), rec.RefDate, rec.Version,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: update fact record")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrVersionConflict, "postgres: fact record %s/%s/%s at version %d", rec.AssetID, rec.Kind, rec.RefDate, rec.Version)
	}
	rec.Version++
	rec.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListFactRecords(ctx context.Context, filter RecordFilter) ([]model.FactRecord, error) {
	query := `SELECT ` + pgFactColumns + ` FROM fact_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.AssetID != "" {
		query += fmt.Sprintf(` AND asset_id = $%d`, argIdx)
		args = append(args, filter.AssetID)
		argIdx++
	}
	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.From != "" {
		query += fmt.Sprintf(` AND ref_date >= $%d`, argIdx)
		args = append(args, filter.From)
		argIdx++
	}
	if filter.To != "" {
		query += fmt.Sprintf(` AND ref_date <= $%d`, argIdx)
		args = append(args, filter.To)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY ref_date DESC, kind LIMIT $%d`, argIdx)
	args = append(args, filter.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list fact records")
	}
	defer rows.Close()

	var out []model.FactRecord
	for rows.Next() {
		rec, err := scanFactRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact record")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list fact records iterate")
}

func (s *PostgresStore) RecordStats(ctx context.Context) ([]model.RecordStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, COUNT(*), MIN(ref_date)::text, MAX(ref_date)::text FROM fact_records GROUP BY asset_id ORDER BY asset_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: record stats")
	}
	defer rows.Close()

	var out []model.RecordStats
	for rows.Next() {
		var st model.RecordStats
		if err := rows.Scan(&st.AssetID, &st.Count, &st.OldestDate, &st.NewestDate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record stats")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: record stats iterate")
}

// --- Discrepancies ---

func (s *PostgresStore) UpsertOpenCandidate(ctx context.Context, c *model.DiscrepancyCandidate) error {
	snapshot, err := snapshotJSON(c.Snapshot)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert candidate")
	}
	now := time.Now().UTC()
	id := uuid.New().String()

	err = s.pool.QueryRow(ctx,
		`INSERT INTO discrepancies (id, asset_id, kind, ref_date, field, severity, deviation, snapshot, selected_value, selected_source, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'open', $11, $11)
		ON CONFLICT (asset_id, kind, ref_date, field) WHERE status = 'open'
		DO UPDATE SET severity = EXCLUDED.severity, deviation = EXCLUDED.deviation, snapshot = EXCLUDED.snapshot,
			selected_value = EXCLUDED.selected_value, selected_source = EXCLUDED.selected_source, updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		id, c.AssetID, string(c.Kind), c.RefDate, c.Field, string(c.Severity), c.Deviation.String(), snapshot,
		c.SelectedValue, c.SelectedSource, now,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert candidate %s/%s/%s/%s", c.AssetID, c.Kind, c.RefDate, c.Field)
	}
	c.Status = model.CandidateOpen
	c.UpdatedAt = now
	return nil
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*model.DiscrepancyCandidate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgCandidateColumns+` FROM discrepancies WHERE id = $1`, id)
	c, err := scanCandidate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: candidate %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get candidate %s", id)
	}
	return c, nil
}

func (s *PostgresStore) GetOpenCandidate(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) (*model.DiscrepancyCandidate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgCandidateColumns+` FROM discrepancies WHERE asset_id = $1 AND kind = $2 AND ref_date = $3 AND field = $4 AND status = 'open'`,
		assetID, string(kind), refDate, field,
	)
	c, err := scanCandidate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get open candidate")
	}
	return c, nil
}

func (s *PostgresStore) SupersedeOpenCandidate(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`UPDATE discrepancies SET status = 'superseded', updated_at = $5
		WHERE asset_id = $1 AND kind = $2 AND ref_date = $3 AND field = $4 AND status = 'open'
		RETURNING id`,
		assetID, string(kind), refDate, field, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", eris.Wrapf(err, "postgres: supersede candidate %s/%s/%s/%s", assetID, kind, refDate, field)
	}
	return id, nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, filter model.DiscrepancyFilter) ([]model.DiscrepancyCandidate, error) {
	query := `SELECT ` + pgCandidateColumns + ` FROM discrepancies WHERE true`
	args := []any{}
	argIdx := 1

	if filter.AssetID != "" {
		query += fmt.Sprintf(` AND asset_id = $%d`, argIdx)
		args = append(args, filter.AssetID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if sev := severitiesAtLeast(filter.MinSeverity); len(sev) > 0 {
		query += fmt.Sprintf(` AND severity = ANY($%d)`, argIdx)
		args = append(args, sev)
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.DiscrepancyCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) CountOpenCandidates(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM discrepancies WHERE status = 'open'`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count open candidates")
	}
	return n, nil
}

func (s *PostgresStore) ApplyResolution(ctx context.Context, res *model.DiscrepancyResolution, rec *model.FactRecord) error {
	snapshot, err := snapshotJSON(res.Snapshot)
	if err != nil {
		return eris.Wrap(err, "postgres: apply resolution")
	}
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	version := rec.Version

	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO discrepancy_resolutions (`+resolutionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			res.ID, res.CandidateID, res.AssetID, string(res.Kind), res.RefDate, res.Field, res.OldValue, res.NewValue,
			res.SelectedSource, string(res.Method), res.Resolver, res.Reason, string(res.Severity), res.Deviation.String(), snapshot, res.CreatedAt,
		); err != nil {
			return eris.Wrap(err, "postgres: insert resolution")
		}

		tag, err := tx.Exec(ctx,
			`UPDATE discrepancies SET status = 'resolved', selected_value = $1, selected_source = $2, resolved_at = $3, updated_at = $3 WHERE id = $4`,
			res.NewValue, res.SelectedSource, res.CreatedAt, res.CandidateID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: resolve candidate")
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(model.ErrNotFound, "postgres: candidate %s", res.CandidateID)
		}

		return savePGFactRecord(ctx, tx, rec)
	})
	if err != nil {
		rec.Version = version
		return err
	}
	return nil
}

func (s *PostgresStore) ListResolutions(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) ([]model.DiscrepancyResolution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgResolutionColumns+` FROM discrepancy_resolutions WHERE asset_id = $1 AND kind = $2 AND ref_date = $3 AND field = $4 ORDER BY seq`,
		assetID, string(kind), refDate, field,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list resolutions")
	}
	defer rows.Close()

	var out []model.DiscrepancyResolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan resolution")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list resolutions iterate")
}

// --- Profiles ---

func (s *PostgresStore) CreateProfile(ctx context.Context, p *model.Profile) error {
	adapters, err := profileArgs(p)
	if err != nil {
		return eris.Wrap(err, "postgres: create profile")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err = s.pool.Exec(ctx,
		`INSERT INTO profiles (`+profileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		p.ID, p.Name, p.DisplayName, p.Description, p.MinScrapers, p.MaxScrapers, adapters, p.FallbackEnabled, p.FallbackAdapter,
		p.AssetConcurrency, p.EstimatedDurationSecs, p.EstimatedCostUSD, p.IsDefault, p.IsSystem, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: create profile %s", p.Name)
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, p *model.Profile) error {
	adapters, err := profileArgs(p)
	if err != nil {
		return eris.Wrap(err, "postgres: update profile")
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE profiles SET name = $1, display_name = $2, description = $3, min_scrapers = $4, max_scrapers = $5, adapters = $6,
			fallback_enabled = $7, fallback_adapter = $8, asset_concurrency = $9, est_duration_secs = $10, est_cost_usd = $11,
			version = version + 1, updated_at = $12
		WHERE id = $13 AND version = $14`,
		p.Name, p.DisplayName, p.Description, p.MinScrapers, p.MaxScrapers, adapters, p.FallbackEnabled, p.FallbackAdapter,
		p.AssetConcurrency, p.EstimatedDurationSecs, p.EstimatedCostUSD, now, p.ID, p.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update profile %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrVersionConflict, "postgres: profile %s at version %d", p.ID, p.Version)
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (s *PostgresStore) DeleteProfile(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM profiles WHERE id = $1 AND NOT is_system`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete profile %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: profile %s", id)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	return s.getProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
}

func (s *PostgresStore) GetProfileByName(ctx context.Context, name string) (*model.Profile, error) {
	return s.getProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE name = $1`, name)
}

func (s *PostgresStore) GetDefaultProfile(ctx context.Context) (*model.Profile, error) {
	return s.getProfile(ctx, `SELECT `+profileColumns+` FROM profiles WHERE is_default`)
}

func (s *PostgresStore) getProfile(ctx context.Context, query string, args ...any) (*model.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(model.ErrNotFound, "postgres: profile")
		}
		return nil, eris.Wrap(err, "postgres: get profile")
	}
	return p, nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context) ([]model.Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY is_system DESC, name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list profiles")
	}
	defer rows.Close()

	var out []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan profile")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list profiles iterate")
}

func (s *PostgresStore) SetDefaultProfile(ctx context.Context, id string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `UPDATE profiles SET is_default = false, updated_at = $1 WHERE is_default AND id <> $2`, now, id); err != nil {
			return eris.Wrap(err, "postgres: clear default profile")
		}
		tag, err := tx.Exec(ctx, `UPDATE profiles SET is_default = true, updated_at = $1 WHERE id = $2`, now, id)
		if err != nil {
			return eris.Wrapf(err, "postgres: set default profile %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(model.ErrNotFound, "postgres: profile %s", id)
		}
		return nil
	})
}

func (s *PostgresStore) AppendProfileAudit(ctx context.Context, a *model.ProfileAudit) error {
	before, after, adapters, err := auditArgs(a)
	if err != nil {
		return eris.Wrap(err, "postgres: append profile audit")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO profile_audit (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ProfileID, string(a.Action), a.Actor, before, after, adapters, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append profile audit")
}

func (s *PostgresStore) ListProfileAudit(ctx context.Context, profileID string, limit int) ([]model.ProfileAudit, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM profile_audit`
	args := []any{}
	if profileID != "" {
		query += ` WHERE profile_id = $1 ORDER BY created_at DESC, id LIMIT $2`
		args = append(args, profileID, limit)
	} else {
		query += ` ORDER BY created_at DESC, id LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list profile audit")
	}
	defer rows.Close()

	var out []model.ProfileAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan profile audit")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list profile audit iterate")
}

// --- Telemetry ---

var scraperRunCopyColumns = []string{"id", "run_id", "adapter_id", "asset_id", "attempt", "success", "latency_ms", "error_kind", "error", "fallback", "created_at"}

// AppendScraperRuns bulk-inserts attempt telemetry with COPY.
func (s *PostgresStore) AppendScraperRuns(ctx context.Context, runs []model.ScraperRunRecord) error {
	rows := make([][]any, 0, len(runs))
	for i := range runs {
		r := &runs[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		rows = append(rows, []any{r.ID, r.RunID, r.AdapterID, r.AssetID, r.Attempt, r.Success, r.LatencyMs, string(r.ErrorKind), r.Error, r.Fallback, r.CreatedAt})
	}
	_, err := db.CopyFrom(ctx, s.pool, "scraper_runs", scraperRunCopyColumns, rows)
	return eris.Wrap(err, "postgres: append scraper runs")
}

func (s *PostgresStore) ListScraperRuns(ctx context.Context, runID string) ([]model.ScraperRunRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scraperRunColumns+` FROM scraper_runs WHERE run_id = $1 ORDER BY created_at, adapter_id, attempt`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list scraper runs")
	}
	defer rows.Close()

	var out []model.ScraperRunRecord
	for rows.Next() {
		r, err := scanScraperRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan scraper run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list scraper runs iterate")
}

func (s *PostgresStore) AdapterStats(ctx context.Context, since time.Time) ([]model.AdapterStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT adapter_id, COUNT(*), COUNT(*) FILTER (WHERE success), COALESCE(AVG(latency_ms), 0)::float8
		FROM scraper_runs WHERE created_at >= $1 GROUP BY adapter_id ORDER BY adapter_id`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: adapter stats")
	}
	defer rows.Close()

	var out []model.AdapterStats
	for rows.Next() {
		var st model.AdapterStats
		if err := rows.Scan(&st.AdapterID, &st.Attempts, &st.Successes, &st.AvgLatencyMs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan adapter stats")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: adapter stats iterate")
}

// --- Sync log ---

func (s *PostgresStore) StartSyncRun(ctx context.Context, assetID, profileID string) (*model.SyncRun, error) {
	run := &model.SyncRun{
		ID:        uuid.New().String(),
		AssetID:   assetID,
		ProfileID: profileID,
		Status:    model.SyncRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, asset_id, profile_id, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.AssetID, run.ProfileID, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: start sync run %s", assetID)
	}
	return run, nil
}

func (s *PostgresStore) FinishSyncRun(ctx context.Context, run *model.SyncRun) error {
	finishDuration(run, time.Now().UTC())
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $1, completed_at = $2, duration_ms = $3, observations = $4, adapters_ok = $5, adapters_failed = $6, error = $7 WHERE id = $8`,
		string(run.Status), run.CompletedAt, run.DurationMs, run.Observations, run.AdaptersOK, run.AdaptersFailed, run.Error, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish sync run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: sync run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) LatestSyncRuns(ctx context.Context) ([]model.SyncRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (asset_id) `+syncRunColumns+` FROM sync_runs ORDER BY asset_id, started_at DESC, id DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest sync runs")
	}
	defer rows.Close()

	var out []model.SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: latest sync runs iterate")
}

func (s *PostgresStore) FailStaleSyncRuns(ctx context.Context, startedBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = 'failed', completed_at = now(), error = 'abandoned' WHERE status = 'running' AND started_at < $1`,
		startedBefore,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: fail stale sync runs")
	}
	return int(tag.RowsAffected()), nil
}

// --- Settings ---

func (s *PostgresStore) GetSettings(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get settings")
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, eris.Wrap(err, "postgres: scan setting")
		}
		out[key] = value
	}
	return out, eris.Wrap(rows.Err(), "postgres: get settings iterate")
}

// PutSettings merges values into the settings table with a bulk upsert.
func (s *PostgresStore) PutSettings(ctx context.Context, values map[string][]byte) error {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(values))
	for k, v := range values {
		rows = append(rows, []any{k, v, now})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "settings",
		Columns:      []string{"key", "value", "updated_at"},
		ConflictKeys: []string{"key"},
	}, rows)
	return eris.Wrap(err, "postgres: put settings")
}

func severitiesAtLeast(min model.Severity) []string {
	if min == "" || min == model.SeverityNone {
		return nil
	}
	var out []string
	for _, s := range []model.Severity{model.SeverityLow, model.SeverityMedium, model.SeverityHigh} {
		if s.AtLeast(min) {
			out = append(out, string(s))
		}
	}
	return out
}
