// Package retry computes backoff delays between stage attempts.
package retry

import (
	"math/rand"
	"time"

	"github.com/veridex/veridex/internal/domain/model/stage"
)

// Policy maps an attempt count onto a backoff delay following the
// stage's profile: base * 2^(attempt-1), optionally jittered, capped.
// The RNG is injected so jitter is deterministic under a fixed seed;
// replays of a run produce identical delays.
type Policy struct {
	rng *rand.Rand
}

// New creates a policy with the given RNG. Pass rand.New(rand.NewSource(...))
// for deterministic jitter in tests and replays.
func New(rng *rand.Rand) *Policy {
	return &Policy{rng: rng}
}

// NewSeeded creates a policy seeded from the given value
func NewSeeded(seed int64) *Policy {
	return New(rand.New(rand.NewSource(seed)))
}

// Delay returns the backoff before the next attempt, given the attempt
// that just failed (1-based). Delays grow monotonically up to the
// profile's cap before jitter is applied.
func (p *Policy) Delay(attempt int, profile stage.Profile) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := profile.BaseBackoff
	if profile.Exponential {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if profile.BackoffCap > 0 && delay >= profile.BackoffCap {
				delay = profile.BackoffCap
				break
			}
		}
	}
	if profile.BackoffCap > 0 && delay > profile.BackoffCap {
		delay = profile.BackoffCap
	}

	if profile.Jitter > 0 {
		// Symmetric jitter: delay * (1 +/- jitter)
		factor := 1 + (2*p.rng.Float64()-1)*profile.Jitter
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}
