// Package profile manages scraper execution profiles: CRUD with an audit
// trail, the single default profile, system profile protection and impact
// previews.
package profile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factsync/internal/adapter"
	"github.com/sells-group/factsync/internal/cost"
	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/orchestrator"
)

// SystemActor is recorded on audit rows written without a caller identity.
const SystemActor = "system"

// Store is the persistence the manager needs.
type Store interface {
	CreateProfile(ctx context.Context, p *model.Profile) error
	UpdateProfile(ctx context.Context, p *model.Profile) error
	DeleteProfile(ctx context.Context, id string) error
	GetProfile(ctx context.Context, id string) (*model.Profile, error)
	GetProfileByName(ctx context.Context, name string) (*model.Profile, error)
	GetDefaultProfile(ctx context.Context) (*model.Profile, error)
	ListProfiles(ctx context.Context) ([]model.Profile, error)
	SetDefaultProfile(ctx context.Context, id string) error
	AppendProfileAudit(ctx context.Context, a *model.ProfileAudit) error
	ListProfileAudit(ctx context.Context, profileID string, limit int) ([]model.ProfileAudit, error)
	AdapterStats(ctx context.Context, since time.Time) ([]model.AdapterStats, error)
}

// Catalog reports which adapters exist and their limits.
type Catalog interface {
	Has(id string) bool
	Limits(id string) (adapter.Limits, bool)
}

// Runner performs a live orchestration run for previews.
type Runner interface {
	Run(ctx context.Context, assetID string, p *model.Profile, fields []string, dr model.DateRange, opts ...orchestrator.RunOption) (*orchestrator.RunResult, error)
}

// Options configures a Manager.
type Options struct {
	// Catalog validates adapter ids. A nil catalog accepts any id.
	Catalog Catalog
	Cost    *cost.Calculator
	Runner  Runner
	// StatsWindow is the telemetry lookback used by previews.
	StatsWindow time.Duration
}

// Manager is the profile service. Reads are served from a cache that every
// write through the Manager invalidates.
type Manager struct {
	store       Store
	catalog     Catalog
	calc        *cost.Calculator
	runner      Runner
	statsWindow time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	cache  map[string]*model.Profile
	byName map[string]string
	defID  string
	loaded bool
}

// NewManager creates a Manager.
func NewManager(st Store, opts Options) *Manager {
	if opts.Cost == nil {
		opts.Cost = cost.NewCalculator(cost.DefaultRates())
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = 7 * 24 * time.Hour
	}
	return &Manager{
		store:       st,
		catalog:     opts.Catalog,
		calc:        opts.Cost,
		runner:      opts.Runner,
		statsWindow: opts.StatsWindow,
		now:         time.Now,
	}
}

// Invalidate drops the cache.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.loaded = false
	m.cache = nil
	m.byName = nil
	m.defID = ""
	m.mu.Unlock()
}

func (m *Manager) load(ctx context.Context) error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	ps, err := m.store.ListProfiles(ctx)
	if err != nil {
		return eris.Wrap(err, "profile: load")
	}
	m.cache = make(map[string]*model.Profile, len(ps))
	m.byName = make(map[string]string, len(ps))
	m.defID = ""
	for i := range ps {
		p := ps[i]
		m.cache[p.ID] = &p
		m.byName[p.Name] = p.ID
		if p.IsDefault {
			m.defID = p.ID
		}
	}
	m.loaded = true
	return nil
}

// List returns all profiles, system profiles first, then by name.
func (m *Manager) List(ctx context.Context) ([]model.Profile, error) {
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]model.Profile, 0, len(m.cache))
	for _, p := range m.cache {
		out = append(out, *p.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsSystem != out[j].IsSystem {
			return out[i].IsSystem
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Get returns a profile by id.
func (m *Manager) Get(ctx context.Context, id string) (*model.Profile, error) {
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.cache[id]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "profile: %s", id)
	}
	return p.Clone(), nil
}

// GetByName returns a profile by name.
func (m *Manager) GetByName(ctx context.Context, name string) (*model.Profile, error) {
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	id, ok := m.byName[name]
	m.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "profile: %s", name)
	}
	return m.Get(ctx, id)
}

// Resolve returns the profile named by ref (an id or a name), or the
// default profile when ref is empty.
func (m *Manager) Resolve(ctx context.Context, ref string) (*model.Profile, error) {
	if ref == "" {
		return m.Default(ctx)
	}
	p, err := m.Get(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	return m.GetByName(ctx, ref)
}

// Default returns the default profile.
func (m *Manager) Default(ctx context.Context) (*model.Profile, error) {
	if err := m.load(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	id := m.defID
	m.mu.RUnlock()
	if id == "" {
		return nil, eris.Wrap(model.ErrNotFound, "profile: no default profile")
	}
	return m.Get(ctx, id)
}

// Create validates and stores a new custom profile.
func (m *Manager) Create(ctx context.Context, p *model.Profile, actor string) (*model.Profile, error) {
	p = p.Clone()
	p.ID = ""
	p.IsSystem = false
	p.IsDefault = false
	if err := m.prepare(p); err != nil {
		return nil, err
	}
	if err := m.store.CreateProfile(ctx, p); err != nil {
		return nil, eris.Wrap(err, "profile: create")
	}
	m.Invalidate()
	m.audit(ctx, model.ProfileCreate, actor, nil, p)
	return p, nil
}

// Update replaces the editable fields of a custom profile. p.Version must
// match the stored version when set.
func (m *Manager) Update(ctx context.Context, p *model.Profile, actor string) (*model.Profile, error) {
	before, err := m.mutable(ctx, p.ID, "update")
	if err != nil {
		return nil, err
	}
	after := p.Clone()
	after.IsSystem = before.IsSystem
	after.IsDefault = before.IsDefault
	after.CreatedAt = before.CreatedAt
	if after.Version == 0 {
		after.Version = before.Version
	}
	if err := m.save(ctx, after); err != nil {
		return nil, err
	}
	m.audit(ctx, model.ProfileUpdate, actor, before, after)
	return after, nil
}

// Delete removes a custom profile. The default profile cannot be deleted.
func (m *Manager) Delete(ctx context.Context, id, actor string) error {
	before, err := m.mutable(ctx, id, "delete")
	if err != nil {
		return err
	}
	if before.IsDefault {
		return eris.Wrapf(model.ErrInvalidProfile, "profile: %s is the default profile; set another default first", before.Name)
	}
	if err := m.store.DeleteProfile(ctx, id); err != nil {
		return eris.Wrap(err, "profile: delete")
	}
	m.Invalidate()
	m.audit(ctx, model.ProfileDelete, actor, before, nil)
	return nil
}

// SetDefault makes id the only default profile.
func (m *Manager) SetDefault(ctx context.Context, id, actor string) (*model.Profile, error) {
	before, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.store.SetDefaultProfile(ctx, id); err != nil {
		return nil, eris.Wrap(err, "profile: set default")
	}
	m.Invalidate()
	after, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.audit(ctx, model.ProfileSetDefault, actor, before, after)
	zap.L().Info("default profile changed", zap.String("profile", after.Name), zap.String("actor", actorOrSystem(actor)))
	return after, nil
}

// ApplyDefault returns the default profile for a run and records that it
// was applied.
func (m *Manager) ApplyDefault(ctx context.Context, actor string) (*model.Profile, error) {
	p, err := m.Default(ctx)
	if err != nil {
		return nil, err
	}
	m.audit(ctx, model.ProfileApply, actor, nil, p)
	return p, nil
}

// Duplicate copies any profile, including system profiles, into a new
// custom profile named newName.
func (m *Manager) Duplicate(ctx context.Context, id, newName, actor string) (*model.Profile, error) {
	src, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p := src.Clone()
	p.ID = ""
	p.Name = newName
	p.DisplayName = newName
	p.IsSystem = false
	p.IsDefault = false
	p.Version = 0
	if err := m.prepare(p); err != nil {
		return nil, err
	}
	if err := m.store.CreateProfile(ctx, p); err != nil {
		return nil, eris.Wrap(err, "profile: duplicate")
	}
	m.Invalidate()
	m.audit(ctx, model.ProfileDuplicate, actor, src, p)
	return p, nil
}

// ToggleAdapter enables or disables adapterID on a custom profile. Enabled
// adapters are appended at the lowest priority.
func (m *Manager) ToggleAdapter(ctx context.Context, id, adapterID string, enabled bool, actor string) (*model.Profile, error) {
	before, err := m.mutable(ctx, id, "toggle")
	if err != nil {
		return nil, err
	}
	after := before.Clone()
	present := after.Priority(adapterID) > 0
	switch {
	case enabled && !present:
		after.Adapters = append(after.Adapters, adapterID)
	case !enabled && present:
		kept := after.Adapters[:0]
		for _, a := range after.Adapters {
			if a != adapterID {
				kept = append(kept, a)
			}
		}
		after.Adapters = kept
	default:
		return before, nil
	}
	if err := m.save(ctx, after); err != nil {
		return nil, err
	}
	m.audit(ctx, model.ProfileToggle, actor, before, after)
	return after, nil
}

// UpdatePriorities assigns new 1-based priorities to adapters of a custom
// profile. Adapters not named keep their current priority. The update is
// rejected as a whole if any adapter is foreign to the profile or two
// adapters would share a priority.
func (m *Manager) UpdatePriorities(ctx context.Context, id string, priorities map[string]int, actor string) (*model.Profile, error) {
	before, err := m.mutable(ctx, id, "priority")
	if err != nil {
		return nil, err
	}

	resulting := make(map[string]int, len(before.Adapters))
	for i, a := range before.Adapters {
		resulting[a] = i + 1
	}
	for a, prio := range priorities {
		if _, ok := resulting[a]; !ok {
			return nil, eris.Wrapf(model.ErrInvalidProfile, "profile: adapter %s is not part of %s", a, before.Name)
		}
		if prio < 1 {
			return nil, eris.Wrapf(model.ErrInvalidProfile, "profile: priority for %s must be >= 1", a)
		}
		resulting[a] = prio
	}

	holders := make(map[int][]string)
	for a, prio := range resulting {
		holders[prio] = append(holders[prio], a)
	}
	prios := make([]int, 0, len(holders))
	for prio := range holders {
		prios = append(prios, prio)
	}
	sort.Ints(prios)
	for _, prio := range prios {
		if as := holders[prio]; len(as) > 1 {
			sort.Strings(as)
			return nil, &model.DuplicatePriorityError{Priority: prio, Adapters: as}
		}
	}

	after := before.Clone()
	sort.SliceStable(after.Adapters, func(i, j int) bool {
		return resulting[after.Adapters[i]] < resulting[after.Adapters[j]]
	})
	if err := m.save(ctx, after); err != nil {
		return nil, err
	}
	m.audit(ctx, model.ProfilePriority, actor, before, after)
	return after, nil
}

// Audit returns the newest audit rows for a profile, or for all profiles
// when profileID is empty.
func (m *Manager) Audit(ctx context.Context, profileID string, limit int) ([]model.ProfileAudit, error) {
	rows, err := m.store.ListProfileAudit(ctx, profileID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "profile: audit")
	}
	return rows, nil
}

// mutable loads a profile and rejects system profiles.
func (m *Manager) mutable(ctx context.Context, id, op string) (*model.Profile, error) {
	p, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsSystem {
		return nil, &model.ProtectedResourceError{Resource: "profile", ID: p.Name, Op: op}
	}
	return p, nil
}

func (m *Manager) save(ctx context.Context, p *model.Profile) error {
	if err := m.prepare(p); err != nil {
		return err
	}
	if err := m.store.UpdateProfile(ctx, p); err != nil {
		m.Invalidate()
		return eris.Wrap(err, "profile: save")
	}
	m.Invalidate()
	return nil
}

// prepare validates p against the catalog and refreshes its estimates.
func (m *Manager) prepare(p *model.Profile) error {
	if p.DisplayName == "" {
		p.DisplayName = p.Name
	}
	if p.AssetConcurrency == 0 {
		p.AssetConcurrency = 1
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if m.catalog != nil {
		for _, a := range p.Adapters {
			if !m.catalog.Has(a) {
				return eris.Wrapf(model.ErrInvalidProfile, "profile: unknown adapter %s", a)
			}
		}
		if p.FallbackAdapter != "" && !m.catalog.Has(p.FallbackAdapter) {
			return eris.Wrapf(model.ErrInvalidProfile, "profile: unknown fallback adapter %s", p.FallbackAdapter)
		}
	}
	est := m.estimate(p.Adapters, p.MaxScrapers, nil)
	p.EstimatedDurationSecs = est.duration.Seconds()
	p.EstimatedCostUSD = est.costUSD
	return nil
}

func (m *Manager) audit(ctx context.Context, action model.ProfileAction, actor string, before, after *model.Profile) {
	a := &model.ProfileAudit{
		Action:    action,
		Actor:     actorOrSystem(actor),
		Before:    before,
		After:     after,
		CreatedAt: m.now().UTC(),
	}
	switch {
	case after != nil:
		a.ProfileID = after.ID
		a.Adapters = after.Adapters
	case before != nil:
		a.ProfileID = before.ID
		a.Adapters = before.Adapters
	}
	if err := m.store.AppendProfileAudit(ctx, a); err != nil {
		zap.L().Error("profile: append audit failed",
			zap.String("profile_id", a.ProfileID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return SystemActor
	}
	return actor
}
