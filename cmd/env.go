package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/factsync/internal/adapter"
	"github.com/sells-group/factsync/internal/adapter/csvfeed"
	"github.com/sells-group/factsync/internal/adapter/httpjson"
	"github.com/sells-group/factsync/internal/config"
	"github.com/sells-group/factsync/internal/cost"
	"github.com/sells-group/factsync/internal/discrepancy"
	"github.com/sells-group/factsync/internal/metrics"
	"github.com/sells-group/factsync/internal/notify"
	"github.com/sells-group/factsync/internal/orchestrator"
	"github.com/sells-group/factsync/internal/profile"
	"github.com/sells-group/factsync/internal/settings"
	"github.com/sells-group/factsync/internal/store"
	"github.com/sells-group/factsync/internal/syncer"
	"github.com/sells-group/factsync/internal/syncstatus"
)

// appEnv holds the wired services used by the commands.
type appEnv struct {
	Store         store.Store
	Registry      *adapter.Registry
	Settings      *settings.Store
	Metrics       *metrics.Recorder
	Orchestrator  *orchestrator.Orchestrator
	Profiles      *profile.Manager
	Discrepancies *discrepancy.Tracker
	Status        *syncstatus.Tracker
	Sync          *syncer.Service
}

// Close stops background syncs and releases the store.
func (e *appEnv) Close() {
	if e.Sync != nil {
		e.Sync.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "factsync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// buildRegistry registers every configured adapter with its limits.
func buildRegistry(adapters []config.AdapterConfig) (*adapter.Registry, error) {
	reg := adapter.NewRegistry()
	for _, ac := range adapters {
		var a adapter.Adapter
		switch ac.Type {
		case "", httpjson.Type:
			h, err := httpjson.FromConfig(ac)
			if err != nil {
				return nil, err
			}
			a = h
		case csvfeed.Type:
			c, err := csvfeed.FromConfig(ac)
			if err != nil {
				return nil, err
			}
			a = c
		default:
			return nil, eris.Errorf("adapter %s: unsupported type %q", ac.ID, ac.Type)
		}
		if err := reg.Register(a, adapter.LimitsFromConfig(ac)); err != nil {
			return nil, eris.Wrapf(err, "register adapter %s", ac.ID)
		}
	}
	return reg, nil
}

// initEnv wires the store, adapters and services for mode. Callers should
// defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string, n notify.Notifier) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	reg, err := buildRegistry(c.Adapters)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Registry = reg

	env.Settings = settings.NewStore(st)
	env.Metrics = metrics.New()
	env.Orchestrator = orchestrator.New(reg, orchestrator.Options{
		Settings:        env.Settings,
		Metrics:         env.Metrics,
		FallbackAdapter: c.Orchestrator.FallbackAdapter,
	})
	env.Profiles = profile.NewManager(st, profile.Options{
		Catalog: reg,
		Cost:    cost.NewCalculator(cost.RatesFromConfig(c.Adapters)),
		Runner:  env.Orchestrator,
	})
	if ids := c.AdapterIDs(); len(ids) > 0 {
		if err := env.Profiles.EnsureSystemProfiles(ctx, ids); err != nil {
			env.Close()
			return nil, err
		}
	}
	env.Discrepancies = discrepancy.NewTracker(st, discrepancy.Options{
		Settings:            env.Settings,
		Metrics:             env.Metrics,
		MaxWriteRetries:     c.Sync.MaxWriteRetries,
		AutoResolve:         c.Discrepancy.AutoResolve,
		ReliabilityLookback: time.Duration(c.Discrepancy.ReliabilityLookbackHours) * time.Hour,
	})
	env.Status = syncstatus.NewTracker(st, env.Settings, n)
	env.Sync = syncer.New(syncer.Deps{
		Store:         st,
		Runner:        env.Orchestrator,
		Profiles:      env.Profiles,
		Discrepancies: env.Discrepancies,
		Status:        env.Status,
		Settings:      env.Settings,
		Metrics:       env.Metrics,
	}, c.Sync)

	zap.L().Debug("environment ready",
		zap.String("mode", mode),
		zap.String("store", c.Store.Driver),
		zap.Strings("adapters", reg.IDs()),
	)
	return env, nil
}
