package cost

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/factsync/internal/config"
)

// AdapterRate holds per-adapter pricing and latency estimates.
type AdapterRate struct {
	PerCallUSD float64       `yaml:"per_call_usd" mapstructure:"per_call_usd"`
	EstLatency time.Duration `yaml:"est_latency" mapstructure:"est_latency"`
}

// Rates holds pricing for every configured adapter.
type Rates struct {
	Adapters          map[string]AdapterRate `yaml:"adapters" mapstructure:"adapters"`
	DefaultPerCallUSD float64                `yaml:"default_per_call_usd" mapstructure:"default_per_call_usd"`
	DefaultLatency    time.Duration          `yaml:"default_latency" mapstructure:"default_latency"`
}

// RatesFromConfig builds Rates from adapter declarations.
func RatesFromConfig(adapters []config.AdapterConfig) Rates {
	r := DefaultRates()
	for _, a := range adapters {
		rate := AdapterRate{PerCallUSD: a.CostPerCallUSD}
		if a.EstLatencyMs > 0 {
			rate.EstLatency = time.Duration(a.EstLatencyMs) * time.Millisecond
		}
		r.Adapters[a.ID] = rate
	}
	return r
}

// Calculator computes expected costs for adapter usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	if rates.Adapters == nil {
		rates.Adapters = map[string]AdapterRate{}
	}
	return &Calculator{rates: rates}
}

// PerCall returns the flat cost of one call to adapterID.
func (c *Calculator) PerCall(adapterID string) float64 {
	if r, ok := c.rates.Adapters[adapterID]; ok {
		return r.PerCallUSD
	}
	return c.rates.DefaultPerCallUSD
}

// Latency returns the configured latency estimate for adapterID.
func (c *Calculator) Latency(adapterID string) time.Duration {
	if r, ok := c.rates.Adapters[adapterID]; ok && r.EstLatency > 0 {
		return r.EstLatency
	}
	return c.rates.DefaultLatency
}

// Call computes the cost of attempts calls to adapterID. Attempts may be
// fractional when it is an expectation.
func (c *Calculator) Call(adapterID string, attempts float64) float64 {
	return c.PerCall(adapterID) * attempts
}

// Run computes the cost of one asset run given expected attempts per adapter.
func (c *Calculator) Run(attempts map[string]float64) float64 {
	ids := make([]string, 0, len(attempts))
	for id := range attempts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := 0.0
	for _, id := range ids {
		total += c.Call(id, attempts[id])
	}
	return total
}

// Batch scales a per-asset cost to n assets.
func (c *Calculator) Batch(perAsset float64, n int) float64 {
	return perAsset * float64(n)
}

// ExpectedAttempts returns the expected number of calls made with up to
// maxAttempts tries and a per-call success probability p.
func ExpectedAttempts(p float64, maxAttempts int) float64 {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	p = math.Max(0, math.Min(1, p))
	total := 0.0
	for k := 0; k < maxAttempts; k++ {
		total += math.Pow(1-p, float64(k))
	}
	return total
}

// Makespan greedily schedules durations onto slots, longest first, and
// returns the time until the last slot is free.
func Makespan(durations []time.Duration, slots int) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	if slots < 1 {
		slots = 1
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })

	load := make([]time.Duration, slots)
	for _, d := range sorted {
		minIdx := 0
		for i := 1; i < slots; i++ {
			if load[i] < load[minIdx] {
				minIdx = i
			}
		}
		load[minIdx] += d
	}

	var longest time.Duration
	for _, l := range load {
		if l > longest {
			longest = l
		}
	}
	return longest
}

// DefaultRates returns pricing used for adapters that declare none.
func DefaultRates() Rates {
	return Rates{
		Adapters:          map[string]AdapterRate{},
		DefaultPerCallUSD: 0,
		DefaultLatency:    2 * time.Second,
	}
}
