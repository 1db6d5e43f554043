// Package backoff computes the delay before a worker slot is respawned after
// a failed handshake. Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy returns the delay before respawn attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval before every attempt.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Exponential doubles the delay per attempt, capped at Max when Max > 0.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return capped(e.Initial, e.Max, attempt)
}

// Jittered draws a random delay in [0, Exponential.Delay(attempt)] so that
// slots failing together do not respawn in lockstep.
type Jittered struct {
	Initial time.Duration
	Max     time.Duration
}

func (j Jittered) Delay(attempt int) time.Duration {
	base := capped(j.Initial, j.Max, attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter does not need crypto rand
}

// Default is the respawn strategy used by the pool.
func Default() Strategy {
	return Jittered{Initial: 100 * time.Millisecond, Max: 5 * time.Second}
}

func capped(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
