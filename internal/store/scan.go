package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/factsync/internal/model"
)

type scannable interface {
	Scan(dest ...any) error
}

const factColumns = `id, asset_id, kind, ref_date, field_values, fields, version, created_at, updated_at`

func scanFactRecord(row scannable) (*model.FactRecord, error) {
	var (
		rec        model.FactRecord
		kind       string
		valuesJSON []byte
		fieldsJSON []byte
	)
	if err := row.Scan(&rec.ID, &rec.AssetID, &kind, &rec.RefDate, &valuesJSON, &fieldsJSON, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Kind = model.RecordKind(kind)
	if err := json.Unmarshal(valuesJSON, &rec.Values); err != nil {
		return nil, eris.Wrap(err, "unmarshal values")
	}
	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return nil, eris.Wrap(err, "unmarshal fields")
	}
	if rec.Values == nil {
		rec.Values = map[string]string{}
	}
	if rec.Fields == nil {
		rec.Fields = map[string]model.FieldRecord{}
	}
	if err := rec.Validate(); err != nil {
		return nil, eris.Wrap(err, "stored record failed validation")
	}
	return &rec, nil
}

// marshalFactRecord validates rec and encodes its JSON columns.
func marshalFactRecord(rec *model.FactRecord) (valuesJSON, fieldsJSON []byte, err error) {
	if err := rec.Validate(); err != nil {
		return nil, nil, err
	}
	valuesJSON, err = json.Marshal(rec.Values)
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal values")
	}
	fieldsJSON, err = json.Marshal(rec.Fields)
	if err != nil {
		return nil, nil, eris.Wrap(err, "marshal fields")
	}
	return valuesJSON, fieldsJSON, nil
}

const candidateColumns = `id, asset_id, kind, ref_date, field, severity, deviation, snapshot, selected_value, selected_source, status, created_at, updated_at, resolved_at`

func scanCandidate(row scannable) (*model.DiscrepancyCandidate, error) {
	var (
		c                      model.DiscrepancyCandidate
		kind, severity, status string
		deviation              string
		snapshot               []byte
	)
	if err := row.Scan(&c.ID, &c.AssetID, &kind, &c.RefDate, &c.Field, &severity, &deviation, &snapshot,
		&c.SelectedValue, &c.SelectedSource, &status, &c.CreatedAt, &c.UpdatedAt, &c.ResolvedAt); err != nil {
		return nil, err
	}
	c.Kind = model.RecordKind(kind)
	c.Severity = model.Severity(severity)
	c.Status = model.CandidateStatus(status)
	dev, err := decimal.NewFromString(deviation)
	if err != nil {
		return nil, eris.Wrap(err, "parse deviation")
	}
	c.Deviation = dev
	if err := json.Unmarshal(snapshot, &c.Snapshot); err != nil {
		return nil, eris.Wrap(err, "unmarshal snapshot")
	}
	return &c, nil
}

const resolutionColumns = `id, candidate_id, asset_id, kind, ref_date, field, old_value, new_value, selected_source, method, resolver, reason, severity, deviation, snapshot, created_at`

func scanResolution(row scannable) (*model.DiscrepancyResolution, error) {
	var (
		r                      model.DiscrepancyResolution
		kind, method, severity string
		deviation              string
		snapshot               []byte
	)
	if err := row.Scan(&r.ID, &r.CandidateID, &r.AssetID, &kind, &r.RefDate, &r.Field, &r.OldValue, &r.NewValue,
		&r.SelectedSource, &method, &r.Resolver, &r.Reason, &severity, &deviation, &snapshot, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Kind = model.RecordKind(kind)
	r.Method = model.ResolutionMethod(method)
	r.Severity = model.Severity(severity)
	dev, err := decimal.NewFromString(deviation)
	if err != nil {
		return nil, eris.Wrap(err, "parse deviation")
	}
	r.Deviation = dev
	if err := json.Unmarshal(snapshot, &r.Snapshot); err != nil {
		return nil, eris.Wrap(err, "unmarshal snapshot")
	}
	return &r, nil
}

const profileColumns = `id, name, display_name, description, min_scrapers, max_scrapers, adapters, fallback_enabled, fallback_adapter, asset_concurrency, est_duration_secs, est_cost_usd, is_default, is_system, version, created_at, updated_at`

func scanProfile(row scannable) (*model.Profile, error) {
	var (
		p        model.Profile
		adapters []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.MinScrapers, &p.MaxScrapers, &adapters,
		&p.FallbackEnabled, &p.FallbackAdapter, &p.AssetConcurrency, &p.EstimatedDurationSecs, &p.EstimatedCostUSD,
		&p.IsDefault, &p.IsSystem, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(adapters, &p.Adapters); err != nil {
		return nil, eris.Wrap(err, "unmarshal adapters")
	}
	return &p, nil
}

func profileArgs(p *model.Profile) ([]byte, error) {
	adapters, err := json.Marshal(p.Adapters)
	if err != nil {
		return nil, eris.Wrap(err, "marshal adapters")
	}
	return adapters, nil
}

const auditColumns = `id, profile_id, action, actor, before_state, after_state, adapters, created_at`

func scanAudit(row scannable) (*model.ProfileAudit, error) {
	var (
		a                       model.ProfileAudit
		action                  string
		before, after, adapters []byte
	)
	if err := row.Scan(&a.ID, &a.ProfileID, &action, &a.Actor, &before, &after, &adapters, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Action = model.ProfileAction(action)
	if len(before) > 0 && string(before) != "null" {
		a.Before = &model.Profile{}
		if err := json.Unmarshal(before, a.Before); err != nil {
			return nil, eris.Wrap(err, "unmarshal before")
		}
	}
	if len(after) > 0 && string(after) != "null" {
		a.After = &model.Profile{}
		if err := json.Unmarshal(after, a.After); err != nil {
			return nil, eris.Wrap(err, "unmarshal after")
		}
	}
	if err := json.Unmarshal(adapters, &a.Adapters); err != nil {
		return nil, eris.Wrap(err, "unmarshal adapters")
	}
	return &a, nil
}

func auditArgs(a *model.ProfileAudit) (before, after, adapters []byte, err error) {
	if before, err = json.Marshal(a.Before); err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal before")
	}
	if after, err = json.Marshal(a.After); err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal after")
	}
	if a.Adapters == nil {
		a.Adapters = []string{}
	}
	if adapters, err = json.Marshal(a.Adapters); err != nil {
		return nil, nil, nil, eris.Wrap(err, "marshal adapters")
	}
	return before, after, adapters, nil
}

const scraperRunColumns = `id, run_id, adapter_id, asset_id, attempt, success, latency_ms, error_kind, error, fallback, created_at`

func scanScraperRun(row scannable) (*model.ScraperRunRecord, error) {
	var (
		r    model.ScraperRunRecord
		kind string
	)
	if err := row.Scan(&r.ID, &r.RunID, &r.AdapterID, &r.AssetID, &r.Attempt, &r.Success, &r.LatencyMs, &kind, &r.Error, &r.Fallback, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.ErrorKind = model.ErrorKind(kind)
	return &r, nil
}

const syncRunColumns = `id, asset_id, profile_id, status, started_at, completed_at, duration_ms, observations, adapters_ok, adapters_failed, error`

func scanSyncRun(row scannable) (*model.SyncRun, error) {
	var (
		r      model.SyncRun
		status string
	)
	if err := row.Scan(&r.ID, &r.AssetID, &r.ProfileID, &status, &r.StartedAt, &r.CompletedAt, &r.DurationMs,
		&r.Observations, &r.AdaptersOK, &r.AdaptersFailed, &r.Error); err != nil {
		return nil, err
	}
	r.Status = model.SyncRunStatus(status)
	return &r, nil
}

func snapshotJSON(obs []model.SourceObservation) ([]byte, error) {
	if obs == nil {
		obs = []model.SourceObservation{}
	}
	b, err := json.Marshal(obs)
	if err != nil {
		return nil, eris.Wrap(err, "marshal snapshot")
	}
	return b, nil
}

func finishDuration(run *model.SyncRun, now time.Time) {
	run.CompletedAt = &now
	run.DurationMs = now.Sub(run.StartedAt).Milliseconds()
}
