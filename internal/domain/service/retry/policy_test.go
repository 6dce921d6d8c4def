package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/stage"
)

func mustProfile(t *testing.T, name model.StageName) stage.Profile {
	t.Helper()
	profile, err := stage.ProfileFor(name)
	require.NoError(t, err)
	return profile
}

func TestPolicy_ExponentialGrowth(t *testing.T) {
	// GraphBuilder has no jitter: 30s base, doubled, capped at 1m.
	p := NewSeeded(1)
	profile := mustProfile(t, model.StageGraphBuilder)

	assert.Equal(t, 30*time.Second, p.Delay(1, profile))
	assert.Equal(t, time.Minute, p.Delay(2, profile))
	assert.Equal(t, time.Minute, p.Delay(3, profile))
}

func TestPolicy_FixedBackoff(t *testing.T) {
	p := NewSeeded(1)
	profile := mustProfile(t, model.StageFinancialForensics)

	assert.Equal(t, 20*time.Second, p.Delay(1, profile))
	assert.Equal(t, 20*time.Second, p.Delay(5, profile))
}

func TestPolicy_MonotonicUpToCap(t *testing.T) {
	// Jitter off for the comparison; monotonicity is a property of the
	// pre-jitter schedule.
	p := NewSeeded(1)
	profile := mustProfile(t, model.StageIngestion)
	profile.Jitter = 0

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt, profile)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, profile.BackoffCap)
		prev = d
	}
	assert.Equal(t, profile.BackoffCap, prev)
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := NewSeeded(7)
	profile := mustProfile(t, model.StageIngestion)

	lo := time.Duration(float64(profile.BaseBackoff) * (1 - profile.Jitter))
	hi := time.Duration(float64(profile.BaseBackoff) * (1 + profile.Jitter))
	for i := 0; i < 100; i++ {
		d := p.Delay(1, profile)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestPolicy_SameSeedSameJitter(t *testing.T) {
	profile := mustProfile(t, model.StageResearch)

	a := NewSeeded(42)
	b := NewSeeded(42)
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, a.Delay(attempt, profile), b.Delay(attempt, profile), "attempt %d", attempt)
	}
}

func TestPolicy_AttemptFloor(t *testing.T) {
	p := NewSeeded(1)
	profile := mustProfile(t, model.StageGraphBuilder)

	// Attempts below 1 are treated as the first attempt.
	assert.Equal(t, p.Delay(1, profile), p.Delay(0, profile))
	assert.Equal(t, p.Delay(1, profile), p.Delay(-3, profile))
}
