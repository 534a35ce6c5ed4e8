package profile

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factsync/internal/model"
)

// System profile names.
const (
	Fast     = "fast"
	Balanced = "balanced"
	Thorough = "thorough"
)

type systemDef struct {
	name        string
	display     string
	description string
	adapters    int // 0 means all
	min         int
}

var systemDefs = []systemDef{
	{Fast, "Fast", "Top two adapters, one source required.", 2, 1},
	{Balanced, "Balanced", "Top three adapters, two sources required.", 3, 2},
	{Thorough, "Thorough", "Every configured adapter, three sources required.", 0, 3},
}

// EnsureSystemProfiles creates any missing system profile over adapterIDs,
// given in priority order, and makes fast the default when no default
// exists. Existing system profiles are left untouched.
func (m *Manager) EnsureSystemProfiles(ctx context.Context, adapterIDs []string) error {
	if len(adapterIDs) == 0 {
		return eris.Wrap(model.ErrInvalidProfile, "profile: system profiles need at least one adapter")
	}

	created := 0
	for _, def := range systemDefs {
		_, err := m.store.GetProfileByName(ctx, def.name)
		if err == nil {
			continue
		}
		if !errors.Is(err, model.ErrNotFound) {
			return eris.Wrapf(err, "profile: lookup %s", def.name)
		}

		n := len(adapterIDs)
		if def.adapters > 0 && def.adapters < n {
			n = def.adapters
		}
		p := &model.Profile{
			Name:             def.name,
			DisplayName:      def.display,
			Description:      def.description,
			MinScrapers:      min(def.min, n),
			MaxScrapers:      n,
			Adapters:         append([]string(nil), adapterIDs[:n]...),
			FallbackEnabled:  true,
			AssetConcurrency: 1,
			IsSystem:         true,
		}
		if err := m.prepare(p); err != nil {
			return err
		}
		if err := m.store.CreateProfile(ctx, p); err != nil {
			return eris.Wrapf(err, "profile: seed %s", def.name)
		}
		m.audit(ctx, model.ProfileCreate, SystemActor, nil, p)
		created++
	}
	m.Invalidate()

	if _, err := m.Default(ctx); err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		fast, err := m.GetByName(ctx, Fast)
		if err != nil {
			return err
		}
		if _, err := m.SetDefault(ctx, fast.ID, SystemActor); err != nil {
			return err
		}
	}

	if created > 0 {
		zap.L().Info("seeded system profiles", zap.Int("created", created), zap.Strings("adapters", adapterIDs))
	}
	return nil
}
