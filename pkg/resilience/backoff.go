// Package resilience provides the delay, breaker and key-rotation policies
// used around upstream model calls.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff controls the pauses around attempts of a retry loop.
// The zero value never waits.
type Backoff struct {
	PreDelay  time.Duration // Fixed pause before every upstream call
	BaseDelay time.Duration // Initial delay after a failed attempt; 0 disables backoff
	MaxDelay  time.Duration // Maximum delay cap
}

// Delay computes the jittered backoff after the given failed attempt (1-based).
// Uses "Full Jitter": delay = rand(0, min(cap, base * 2^(attempt-1)))
func (b Backoff) Delay(attempt int) time.Duration {
	if b.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = b.BaseDelay
	}

	expDelay := float64(b.BaseDelay) * math.Pow(2, float64(attempt-1))
	if expDelay > float64(maxDelay) {
		expDelay = float64(maxDelay)
	}

	jittered := time.Duration(rand.Float64() * expDelay)
	if jittered < time.Millisecond {
		jittered = time.Millisecond
	}
	return jittered
}

// Sleep waits for d or until ctx is done. A non-positive d returns at once.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
