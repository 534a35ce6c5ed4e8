package resilience

import (
	"time"
)

// FromPolicy converts adapter retry settings to a RetryConfig. Zero values
// keep the defaults.
func FromPolicy(maxAttempts int, strategy string, initialBackoffMs, maxBackoffMs int, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	switch Strategy(strategy) {
	case StrategyFixed:
		cfg.Strategy = StrategyFixed
		cfg.JitterFraction = 0
	case StrategyExponential:
		cfg.Strategy = StrategyExponential
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if jitterFraction > 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}
