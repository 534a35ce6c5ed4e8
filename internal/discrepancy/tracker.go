// Package discrepancy flags disagreements between sources and applies
// operator or automatic resolutions with an append-only audit trail.
package discrepancy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/factsync/internal/metrics"
	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/reconcile"
	"github.com/sells-group/factsync/internal/settings"
)

// OverrideSource is the final source recorded for a manual override value.
const OverrideSource = "override"

// Store is the persistence the tracker needs.
type Store interface {
	GetFactRecord(ctx context.Context, assetID string, kind model.RecordKind, refDate string) (*model.FactRecord, error)
	UpsertOpenCandidate(ctx context.Context, c *model.DiscrepancyCandidate) error
	GetCandidate(ctx context.Context, id string) (*model.DiscrepancyCandidate, error)
	ListCandidates(ctx context.Context, filter model.DiscrepancyFilter) ([]model.DiscrepancyCandidate, error)
	SupersedeOpenCandidate(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) (string, error)
	ApplyResolution(ctx context.Context, res *model.DiscrepancyResolution, rec *model.FactRecord) error
	ListResolutions(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) ([]model.DiscrepancyResolution, error)
	AdapterStats(ctx context.Context, since time.Time) ([]model.AdapterStats, error)
}

// ThresholdSource supplies the current reconciliation settings.
type ThresholdSource interface {
	Thresholds(ctx context.Context) (*settings.Thresholds, error)
}

// Options configures a Tracker.
type Options struct {
	Settings        ThresholdSource
	Metrics         *metrics.Recorder
	MaxWriteRetries int
	// AutoResolve enables automatic resolution regardless of the stored
	// auto_resolve setting.
	AutoResolve         bool
	ReliabilityLookback time.Duration
}

// Key identifies a canonical record.
type Key struct {
	AssetID string
	Kind    model.RecordKind
	RefDate string
}

// KeyOf returns the key of rec.
func KeyOf(rec *model.FactRecord) Key {
	return Key{AssetID: rec.AssetID, Kind: rec.Kind, RefDate: rec.RefDate}
}

// Tracker persists discrepancy candidates and their resolutions.
type Tracker struct {
	store       Store
	settings    ThresholdSource
	metrics     *metrics.Recorder
	maxRetries  int
	autoResolve bool
	lookback    time.Duration
	now         func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(st Store, opts Options) *Tracker {
	if opts.MaxWriteRetries < 1 {
		opts.MaxWriteRetries = 3
	}
	if opts.ReliabilityLookback <= 0 {
		opts.ReliabilityLookback = 7 * 24 * time.Hour
	}
	return &Tracker{
		store:       st,
		settings:    opts.Settings,
		metrics:     opts.Metrics,
		maxRetries:  opts.MaxWriteRetries,
		autoResolve: opts.AutoResolve,
		lookback:    opts.ReliabilityLookback,
		now:         time.Now,
	}
}

func (t *Tracker) thresholds(ctx context.Context) (*settings.Thresholds, error) {
	if t.settings == nil {
		return settings.Default(), nil
	}
	th, err := t.settings.Thresholds(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "discrepancy: load thresholds")
	}
	return th, nil
}

// Flag creates or refreshes the open candidate for the field when its
// severity reaches the flag threshold. It returns nil when nothing is
// flagged.
func (t *Tracker) Flag(ctx context.Context, key Key, fr model.FieldRecord) (*model.DiscrepancyCandidate, error) {
	th, err := t.thresholds(ctx)
	if err != nil {
		return nil, err
	}
	if !th.ShouldFlag(fr.Severity) {
		return nil, nil
	}

	now := t.now().UTC()
	c := &model.DiscrepancyCandidate{
		AssetID:        key.AssetID,
		Kind:           key.Kind,
		RefDate:        key.RefDate,
		Field:          fr.Field,
		Severity:       fr.Severity,
		Deviation:      fr.Deviation,
		Snapshot:       append([]model.SourceObservation(nil), fr.Observations...),
		SelectedValue:  fr.FinalValue,
		SelectedSource: fr.FinalSource,
		Status:         model.CandidateOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.store.UpsertOpenCandidate(ctx, c); err != nil {
		return nil, eris.Wrap(err, "discrepancy: flag")
	}
	t.metrics.RecordDiscrepancy(fr.Severity)

	zap.L().Info("discrepancy flagged",
		zap.String("candidate_id", c.ID),
		zap.String("asset", key.AssetID),
		zap.String("kind", string(key.Kind)),
		zap.String("ref_date", key.RefDate),
		zap.String("field", fr.Field),
		zap.String("severity", string(fr.Severity)),
		zap.String("deviation", fr.Deviation.String()),
	)
	return c, nil
}

// Supersede closes the open candidate for the field when the sources now
// agree. It returns the closed candidate id, or "" when the field is still
// flaggable, has a single source or had no open candidate.
func (t *Tracker) Supersede(ctx context.Context, key Key, fr model.FieldRecord) (string, error) {
	th, err := t.thresholds(ctx)
	if err != nil {
		return "", err
	}
	if th.ShouldFlag(fr.Severity) || len(fr.Observations) < 2 {
		return "", nil
	}
	id, err := t.store.SupersedeOpenCandidate(ctx, key.AssetID, key.Kind, key.RefDate, fr.Field)
	if err != nil {
		return "", eris.Wrap(err, "discrepancy: supersede")
	}
	if id != "" {
		zap.L().Info("discrepancy superseded",
			zap.String("candidate_id", id),
			zap.String("asset", key.AssetID),
			zap.String("kind", string(key.Kind)),
			zap.String("ref_date", key.RefDate),
			zap.String("field", fr.Field),
			zap.String("deviation", fr.Deviation.String()),
		)
	}
	return id, nil
}

// Track flags every reconciled field of rec that needs attention and, when
// automatic resolution is enabled, resolves the new candidates. Fields that
// kept an earlier resolution are not flagged again. An open candidate whose
// sources have come back into agreement is superseded.
func (t *Tracker) Track(ctx context.Context, rec *model.FactRecord, outcomes []reconcile.Outcome) ([]*model.DiscrepancyCandidate, error) {
	key := KeyOf(rec)
	var flagged []*model.DiscrepancyCandidate
	for _, o := range outcomes {
		if o.Preserved {
			continue
		}
		if _, err := t.Supersede(ctx, key, o.Record); err != nil {
			return flagged, err
		}
		c, err := t.Flag(ctx, key, o.Record)
		if err != nil {
			return flagged, err
		}
		if c != nil {
			flagged = append(flagged, c)
		}
	}
	if len(flagged) == 0 {
		return nil, nil
	}

	enabled, err := t.AutoResolveEnabled(ctx)
	if err != nil {
		return flagged, err
	}
	if !enabled {
		return flagged, nil
	}
	for _, c := range flagged {
		if _, err := t.AutoResolve(ctx, c.ID); err != nil {
			zap.L().Warn("discrepancy: auto-resolve failed",
				zap.String("candidate_id", c.ID),
				zap.String("asset", c.AssetID),
				zap.String("field", c.Field),
				zap.Error(err),
			)
		}
	}
	return flagged, nil
}

// AutoResolveEnabled reports whether automatic resolution is on, either by
// configuration or by the stored settings.
func (t *Tracker) AutoResolveEnabled(ctx context.Context) (bool, error) {
	if t.autoResolve {
		return true, nil
	}
	th, err := t.thresholds(ctx)
	if err != nil {
		return false, err
	}
	return th.AutoResolve, nil
}

// Resolve settles candidate id with an operator selection. Resolving an
// already resolved candidate appends a new resolution that supersedes the
// previous one.
func (t *Tracker) Resolve(ctx context.Context, id string, sel model.Selection, resolver, reason string) (*model.DiscrepancyResolution, error) {
	if resolver == "" {
		return nil, eris.Wrap(model.ErrInvalidRequest, "discrepancy: resolver is required")
	}
	return t.resolve(ctx, id, sel, model.ResolutionManual, resolver, reason)
}

// AutoResolve settles candidate id by picking the observed value of the
// source with the best recent success rate. Ties go to the higher-priority
// source.
func (t *Tracker) AutoResolve(ctx context.Context, id string) (*model.DiscrepancyResolution, error) {
	c, err := t.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "discrepancy: auto-resolve")
	}
	stats, err := t.store.AdapterStats(ctx, t.now().Add(-t.lookback))
	if err != nil {
		return nil, eris.Wrap(err, "discrepancy: auto-resolve stats")
	}
	rates := make(map[string]float64, len(stats))
	for _, s := range stats {
		rates[s.AdapterID] = s.SuccessRate()
	}

	source, rate := MostReliable(c.Snapshot, rates)
	if source == "" {
		return nil, eris.Wrapf(model.ErrInvalidSelection, "discrepancy: candidate %s has no observations", id)
	}
	reason := "highest reliability source"
	if rate >= 0 {
		reason = "highest reliability source (success rate " + decimal.NewFromFloat(rate).StringFixed(3) + ")"
	}
	return t.resolve(ctx, id, model.Selection{Source: source}, model.ResolutionAutomatic, "system:auto-resolve", reason)
}

// MostReliable returns the snapshot source with the highest success rate and
// that rate. Sources without telemetry rank below any measured rate.
// Snapshots are priority-ordered, so the first best wins ties.
func MostReliable(snapshot []model.SourceObservation, rates map[string]float64) (string, float64) {
	obs := append([]model.SourceObservation(nil), snapshot...)
	model.SortObservations(obs)

	best, bestRate := "", -2.0
	for _, o := range obs {
		r, ok := rates[o.Source]
		if !ok {
			r = -1
		}
		if r > bestRate {
			best, bestRate = o.Source, r
		}
	}
	return best, bestRate
}

func (t *Tracker) resolve(ctx context.Context, id string, sel model.Selection, method model.ResolutionMethod, resolver, reason string) (*model.DiscrepancyResolution, error) {
	th, err := t.thresholds(ctx)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= t.maxRetries; attempt++ {
		c, err := t.store.GetCandidate(ctx, id)
		if err != nil {
			return nil, eris.Wrap(err, "discrepancy: resolve")
		}
		rec, err := t.store.GetFactRecord(ctx, c.AssetID, c.Kind, c.RefDate)
		if err != nil {
			return nil, eris.Wrapf(err, "discrepancy: resolve candidate %s", id)
		}
		if rec == nil {
			return nil, eris.Wrapf(model.ErrNotFound, "discrepancy: record for candidate %s", id)
		}
		fr, ok := rec.Fields[c.Field]
		if !ok {
			return nil, eris.Wrapf(model.ErrNotFound, "discrepancy: field %s missing from record", c.Field)
		}

		value, source, override, err := pick(fr, sel, th)
		if err != nil {
			return nil, err
		}

		now := t.now().UTC()
		res := &model.DiscrepancyResolution{
			ID:             uuid.NewString(),
			CandidateID:    c.ID,
			AssetID:        c.AssetID,
			Kind:           c.Kind,
			RefDate:        c.RefDate,
			Field:          c.Field,
			OldValue:       fr.FinalValue,
			NewValue:       value,
			SelectedSource: source,
			Method:         method,
			Resolver:       resolver,
			Reason:         reason,
			Severity:       c.Severity,
			Deviation:      c.Deviation,
			Snapshot:       c.Snapshot,
			CreatedAt:      now,
		}
		fr.FinalValue = value
		fr.FinalSource = source
		fr.Disputed = false
		fr.Resolution = &model.ResolutionRef{
			ID:          res.ID,
			Method:      method,
			Resolver:    resolver,
			Override:    override,
			Fingerprint: model.Fingerprint(fr.Observations),
			ResolvedAt:  now,
		}
		rec.SetField(fr)

		err = t.store.ApplyResolution(ctx, res, rec)
		if err == nil {
			t.metrics.RecordResolution(method)
			zap.L().Info("discrepancy resolved",
				zap.String("candidate_id", c.ID),
				zap.String("resolution_id", res.ID),
				zap.String("asset", c.AssetID),
				zap.String("field", c.Field),
				zap.String("method", string(method)),
				zap.String("resolver", resolver),
				zap.String("old_value", res.OldValue),
				zap.String("new_value", res.NewValue),
			)
			return res, nil
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			return nil, eris.Wrap(err, "discrepancy: apply resolution")
		}
		t.metrics.RecordWriteConflict()
		zap.L().Debug("discrepancy: version conflict, retrying",
			zap.String("candidate_id", id),
			zap.Int("attempt", attempt),
		)
	}
	return nil, eris.Wrapf(model.ErrReconciliationConflict, "discrepancy: resolve candidate %s after %d attempts", id, t.maxRetries)
}

// pick validates sel against the field's current observations.
func pick(fr model.FieldRecord, sel model.Selection, th *settings.Thresholds) (value, source string, override bool, err error) {
	if sel.Source != "" {
		for _, o := range fr.Observations {
			if o.Source != sel.Source {
				continue
			}
			if sel.Value != "" && sel.Value != o.Value {
				return "", "", false, eris.Wrapf(model.ErrInvalidSelection,
					"discrepancy: value %q does not match %s observation %q", sel.Value, sel.Source, o.Value)
			}
			return o.Value, o.Source, false, nil
		}
		return "", "", false, eris.Wrapf(model.ErrInvalidSelection, "discrepancy: source %s has no observation for %s", sel.Source, fr.Field)
	}
	if sel.Value == "" {
		return "", "", false, eris.Wrap(model.ErrInvalidSelection, "discrepancy: selection needs a source or a value")
	}
	if !th.IsText(fr.Field) {
		if _, err := decimal.NewFromString(sel.Value); err != nil {
			return "", "", false, eris.Wrapf(model.ErrInvalidSelection, "discrepancy: override %q is not a decimal", sel.Value)
		}
	}
	return sel.Value, OverrideSource, true, nil
}

// Get returns one candidate.
func (t *Tracker) Get(ctx context.Context, id string) (*model.DiscrepancyCandidate, error) {
	c, err := t.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "discrepancy: get")
	}
	return c, nil
}

// List returns candidates matching filter.
func (t *Tracker) List(ctx context.Context, filter model.DiscrepancyFilter) ([]model.DiscrepancyCandidate, error) {
	cs, err := t.store.ListCandidates(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "discrepancy: list")
	}
	return cs, nil
}

// History returns every resolution for a field in the order applied.
func (t *Tracker) History(ctx context.Context, assetID string, kind model.RecordKind, refDate, field string) ([]model.DiscrepancyResolution, error) {
	rs, err := t.store.ListResolutions(ctx, assetID, kind, refDate, field)
	if err != nil {
		return nil, eris.Wrap(err, "discrepancy: history")
	}
	return rs, nil
}
