// Package backoff computes capped exponential retry delays with jitter.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterises the delay curve.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay.
	Max time.Duration
	// Factor multiplies the delay on each further attempt.
	Factor float64
	// Jitter is the randomisation fraction (0.0 to 1.0) added on top.
	Jitter float64
}

// Default is the policy the agent loop uses between engine retries.
// 100ms initial, 30s cap, doubling, 10% jitter.
func Default() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait before retry number attempt. Attempts are
// 1-based; values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand is Delay with the random sample supplied by the caller,
// for deterministic tests. randomValue must be in [0.0, 1.0).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jittered := base + base*p.Jitter*randomValue
	if max := float64(p.Max); jittered > max {
		jittered = max
	}
	return time.Duration(jittered).Round(time.Millisecond)
}

// Sleep waits Delay(attempt), returning early with the context error if
// ctx is cancelled first.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
