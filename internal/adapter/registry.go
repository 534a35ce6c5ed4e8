package adapter

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/factsync/internal/config"
	"github.com/sells-group/factsync/internal/resilience"
)

// Limits are the resource bounds for one adapter. MaxConcurrency is a hard
// ceiling across every run in the process.
type Limits struct {
	MaxConcurrency int
	RatePerSec     float64
	Burst          int
	Timeout        time.Duration
	Retry          resilience.RetryConfig
	CostPerCallUSD float64
	EstLatency     time.Duration
}

// DefaultLimits returns the limits applied to adapters that configure none.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrency: 4,
		Timeout:        10 * time.Second,
		Retry:          resilience.DefaultRetryConfig(),
		EstLatency:     2 * time.Second,
	}
}

// LimitsFromConfig converts an adapter declaration to Limits. Zero values
// keep the defaults.
func LimitsFromConfig(c config.AdapterConfig) Limits {
	l := DefaultLimits()
	if c.MaxConcurrency > 0 {
		l.MaxConcurrency = c.MaxConcurrency
	}
	l.RatePerSec = c.RatePerSec
	l.Burst = c.Burst
	if c.TimeoutMs > 0 {
		l.Timeout = time.Duration(c.TimeoutMs) * time.Millisecond
	}
	l.Retry = resilience.FromPolicy(c.Retry.Attempts, c.Retry.Strategy, c.Retry.InitialMs, c.Retry.MaxMs, c.Retry.Jitter)
	l.CostPerCallUSD = c.CostPerCallUSD
	if c.EstLatencyMs > 0 {
		l.EstLatency = time.Duration(c.EstLatencyMs) * time.Millisecond
	}
	return l
}

type entry struct {
	adapter Adapter
	limits  Limits
	sem     *semaphore.Weighted
	limiter *AdaptiveLimiter
}

// Registry holds adapters keyed by id together with their shared
// concurrency and rate limits.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a to the registry. Ids must be unique.
func (r *Registry) Register(a Adapter, l Limits) error {
	id := a.ID()
	if id == "" {
		return eris.New("adapter: empty id")
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = DefaultLimits().MaxConcurrency
	}
	if l.Timeout <= 0 {
		l.Timeout = DefaultLimits().Timeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return eris.Errorf("adapter: %s already registered", id)
	}
	r.entries[id] = &entry{
		adapter: a,
		limits:  l,
		sem:     semaphore.NewWeighted(int64(l.MaxConcurrency)),
		limiter: NewAdaptiveLimiter(id, rate.Limit(l.RatePerSec), l.Burst),
	}
	return nil
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	e, ok := r.get(id)
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.get(id)
	return ok
}

// Limits returns the limits for id.
func (r *Registry) Limits(id string) (Limits, bool) {
	e, ok := r.get(id)
	if !ok {
		return Limits{}, false
	}
	return e.limits, true
}

// IDs returns all registered adapter ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Acquire takes one concurrency slot for id and waits on its rate limiter.
// The returned release func must be called exactly once.
func (r *Registry) Acquire(ctx context.Context, id string) (func(), error) {
	e, ok := r.get(id)
	if !ok {
		return nil, eris.Errorf("adapter: unknown adapter %s", id)
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		e.sem.Release(1)
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { e.sem.Release(1) }) }, nil
}

// Report feeds a call outcome back into the adapter's adaptive rate limit.
func (r *Registry) Report(id string, err error) {
	e, ok := r.get(id)
	if !ok {
		return
	}
	if err == nil {
		e.limiter.OnSuccess()
		return
	}
	var te *resilience.TransientError
	if errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests {
		e.limiter.OnRateLimit()
	}
}

// CurrentRate returns the adaptive rate limit currently applied to id.
func (r *Registry) CurrentRate(id string) rate.Limit {
	e, ok := r.get(id)
	if !ok {
		return 0
	}
	return e.limiter.Limit()
}
