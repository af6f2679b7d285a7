// Package backoff computes retry delays for outbound deliveries.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with optional jitter.
type Policy struct {
	MaxAttempts int           // attempts before a job is dead (default: 5)
	BaseDelay   time.Duration // delay after the first failure (default: 2s)
	MaxDelay    time.Duration // upper bound for any delay (default: 5m)
	Multiplier  float64       // growth per attempt (default: 2.0)
	Jitter      bool          // spread delays by up to ±10%

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// Default returns the policy used when none is configured.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Delay returns how long to wait after the given failed attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		jitterRange := delay * 0.1
		delay += (r() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(p.BaseDelay)
		}
	}
	return time.Duration(delay)
}

// Exhausted reports whether no attempts remain after attempts failures.
func (p Policy) Exhausted(attempts int) bool {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	return attempts >= limit
}

// Next returns the time of the next attempt after a failure at now.
func (p Policy) Next(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
