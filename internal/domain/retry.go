package domain

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy shapes the delay between job attempts after a retryable
// failure.
type RetryPolicy struct {
	// MaxAttempts caps total attempts, the first run included.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter randomizes delays to avoid thundering herds.
	Jitter bool
}

// DefaultRetryPolicy matches the job manager defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Exhausted reports whether attempts used up the budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Delay returns the backoff before the next attempt. attempt counts the
// attempts already made, so the first retry passes 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		// up to +-10%
		d += d * 0.1 * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
