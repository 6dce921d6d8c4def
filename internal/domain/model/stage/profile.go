package stage

import (
	"fmt"
	"time"

	"github.com/veridex/veridex/internal/domain/model"
)

// Profile holds the fixed retry and backoff policy for one stage type.
// Profiles are policy, not configuration: they do not vary per run.
type Profile struct {
	Name model.StageName

	// MaxAttempts is the total number of Execute calls allowed before
	// the invocation escalates to hard_failed.
	MaxAttempts int

	// FallbackMaxAttempts, when non-zero, replaces MaxAttempts once the
	// stage has switched to its degraded execution path (e.g. image
	// analysis falling back from GPU to CPU).
	FallbackMaxAttempts int

	// BaseBackoff is the delay before the second attempt.
	BaseBackoff time.Duration

	// Exponential doubles the backoff on each subsequent attempt.
	// When false the backoff stays fixed at BaseBackoff.
	Exponential bool

	// Jitter is the symmetric jitter ratio applied to the computed
	// delay (0.2 means +/-20%). Zero disables jitter.
	Jitter float64

	// BackoffCap bounds the computed delay.
	BackoffCap time.Duration

	// ExecuteTimeout is the hard wall-clock limit for a single Execute
	// call. Exceeding it is a transient failure and consumes an attempt.
	ExecuteTimeout time.Duration
}

// profiles is the fixed per-stage policy table.
var profiles = map[model.StageName]Profile{
	model.StageIngestion: {
		Name:           model.StageIngestion,
		MaxAttempts:    3,
		BaseBackoff:    15 * time.Second,
		Exponential:    true,
		Jitter:         0.2,
		BackoffCap:     2 * time.Minute,
		ExecuteTimeout: 10 * time.Minute,
	},
	model.StageGraphBuilder: {
		Name:           model.StageGraphBuilder,
		MaxAttempts:    2,
		BaseBackoff:    30 * time.Second,
		Exponential:    true, // 30s then 60s
		BackoffCap:     time.Minute,
		ExecuteTimeout: 15 * time.Minute,
	},
	model.StageResearch: {
		Name:           model.StageResearch,
		MaxAttempts:    3,
		BaseBackoff:    10 * time.Second,
		Exponential:    true,
		Jitter:         0.2,
		BackoffCap:     2 * time.Minute,
		ExecuteTimeout: 10 * time.Minute,
	},
	model.StageTimeline: {
		Name:           model.StageTimeline,
		MaxAttempts:    2,
		BaseBackoff:    20 * time.Second,
		Exponential:    true,
		BackoffCap:     time.Minute,
		ExecuteTimeout: 5 * time.Minute,
	},
	model.StageDocumentForensics: {
		Name:           model.StageDocumentForensics,
		MaxAttempts:    3,
		BaseBackoff:    25 * time.Second,
		Exponential:    true,
		Jitter:         0.2,
		BackoffCap:     3 * time.Minute,
		ExecuteTimeout: 20 * time.Minute,
	},
	model.StageImageForensics: {
		Name:                model.StageImageForensics,
		MaxAttempts:         2,
		FallbackMaxAttempts: 1, // CPU fallback gets a single attempt
		BaseBackoff:         30 * time.Second,
		Exponential:         true,
		BackoffCap:          2 * time.Minute,
		ExecuteTimeout:      30 * time.Minute,
	},
	model.StageFinancialForensics: {
		Name:           model.StageFinancialForensics,
		MaxAttempts:    2, // one retry, taken after a schema refresh
		BaseBackoff:    20 * time.Second,
		Exponential:    false,
		BackoffCap:     20 * time.Second,
		ExecuteTimeout: 10 * time.Minute,
	},
}

// ProfileFor returns the fixed policy profile for a stage
func ProfileFor(name model.StageName) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("no profile for stage: %s", name)
	}
	return p, nil
}

// EffectiveMaxAttempts returns the attempt budget, honoring the fallback
// budget once the stage has degraded.
func (p Profile) EffectiveMaxAttempts(fallback bool) int {
	if fallback && p.FallbackMaxAttempts > 0 {
		return p.FallbackMaxAttempts
	}
	return p.MaxAttempts
}
