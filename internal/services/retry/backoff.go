package retry

import (
	"math"
	"math/rand"
	"time"
)

// Defaults per spec.md §4.H.
const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultMaxAttempts = 3
	MaxAttemptsBound   = 10
)

// Config tunes the backoff curve and retry budget.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// BackoffDelay computes `base * 2^attempt` capped at MaxDelay, then applies
// full jitter (spec.md §8: `delay(k) ≤ min(cap, base*2^k) + jitter`):
// the returned delay is uniformly distributed in [0, capped].
func BackoffDelay(attempt int, cfg Config) time.Duration {
	cfg = cfg.withDefaults()
	capped := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if capped > float64(cfg.MaxDelay) || capped <= 0 {
		capped = float64(cfg.MaxDelay)
	}
	return time.Duration(rand.Float64() * capped)
}

// BoundMaxAttempts clamps a configured retry count to spec.md §4.H's
// [0, 10] bound, defaulting to 3 when unset.
func BoundMaxAttempts(configured int) int {
	if configured <= 0 {
		return DefaultMaxAttempts
	}
	if configured > MaxAttemptsBound {
		return MaxAttemptsBound
	}
	return configured
}
