package stage

import (
	"fmt"
	"time"

	"github.com/veridex/veridex/internal/domain/model"
)

// Invocation is the mutable record of one stage within one run.
// All mutations go through the Coordinator (single writer per run);
// the transition table in model.StageState rejects illegal moves.
type Invocation struct {
	runID       model.RunID
	name        model.StageName
	profile     Profile
	state       model.StageState
	attempt     int
	fallback    bool
	fallbackTry int
	startedAt   *time.Time
	lastError   string
	nextRetryAt *time.Time
	updatedAt   time.Time
}

// NewInvocation creates an idle invocation for a stage of a run
func NewInvocation(runID model.RunID, name model.StageName) (*Invocation, error) {
	profile, err := ProfileFor(name)
	if err != nil {
		return nil, err
	}
	return &Invocation{
		runID:     runID,
		name:      name,
		profile:   profile,
		state:     model.StageIdle,
		updatedAt: time.Now().UTC(),
	}, nil
}

// ReconstructInvocation rebuilds an invocation from persisted data
func ReconstructInvocation(
	runID model.RunID,
	name model.StageName,
	state model.StageState,
	attempt int,
	fallback bool,
	startedAt *time.Time,
	lastError string,
	nextRetryAt *time.Time,
	updatedAt time.Time,
) (*Invocation, error) {
	profile, err := ProfileFor(name)
	if err != nil {
		return nil, err
	}
	return &Invocation{
		runID:       runID,
		name:        name,
		profile:     profile,
		state:       state,
		attempt:     attempt,
		fallback:    fallback,
		startedAt:   startedAt,
		lastError:   lastError,
		nextRetryAt: nextRetryAt,
		updatedAt:   updatedAt,
	}, nil
}

// RunID returns the owning run ID
func (i *Invocation) RunID() model.RunID { return i.runID }

// Name returns the stage name
func (i *Invocation) Name() model.StageName { return i.name }

// Profile returns the stage's fixed retry profile
func (i *Invocation) Profile() Profile { return i.profile }

// State returns the current state
func (i *Invocation) State() model.StageState { return i.state }

// Attempt returns the number of Execute calls made so far
func (i *Invocation) Attempt() int { return i.attempt }

// OnFallback reports whether the stage has switched to its degraded path
func (i *Invocation) OnFallback() bool { return i.fallback }

// StartedAt returns when the current attempt began, if any
func (i *Invocation) StartedAt() *time.Time { return i.startedAt }

// LastError returns the most recent failure message
func (i *Invocation) LastError() string { return i.lastError }

// NextRetryAt returns the earliest time the next attempt may start
func (i *Invocation) NextRetryAt() *time.Time { return i.nextRetryAt }

// UpdatedAt returns the last mutation timestamp
func (i *Invocation) UpdatedAt() time.Time { return i.updatedAt }

// transition applies a validated state change
func (i *Invocation) transition(next model.StageState) error {
	if !i.state.CanTransitionTo(next) {
		return fmt.Errorf("stage %s: illegal transition %s -> %s", i.name, i.state, next)
	}
	i.state = next
	i.updatedAt = time.Now().UTC()
	return nil
}

// Schedule moves idle -> pending once the upstream dependency succeeded
func (i *Invocation) Schedule() error {
	return i.transition(model.StagePending)
}

// RejectPreconditions moves the invocation straight to hard_failed.
// Precondition failures are configuration errors and are never retried.
func (i *Invocation) RejectPreconditions(reason string) error {
	if err := i.transition(model.StageHardFailed); err != nil {
		return err
	}
	i.lastError = reason
	return nil
}

// Start moves pending -> active and consumes one attempt
func (i *Invocation) Start() error {
	if err := i.transition(model.StageActive); err != nil {
		return err
	}
	now := time.Now().UTC()
	i.attempt++
	if i.fallback {
		i.fallbackTry++
	}
	i.startedAt = &now
	i.nextRetryAt = nil
	return nil
}

// Succeed moves active -> succeeded
func (i *Invocation) Succeed() error {
	if err := i.transition(model.StageSucceeded); err != nil {
		return err
	}
	i.lastError = ""
	i.nextRetryAt = nil
	return nil
}

// SoftFail moves active -> soft_failed recording the transient error
func (i *Invocation) SoftFail(errMsg string) error {
	if err := i.transition(model.StageSoftFailed); err != nil {
		return err
	}
	i.lastError = errMsg
	return nil
}

// HardFail terminates the invocation with a fatal error
func (i *Invocation) HardFail(errMsg string) error {
	if err := i.transition(model.StageHardFailed); err != nil {
		return err
	}
	i.lastError = errMsg
	i.nextRetryAt = nil
	return nil
}

// RetryAfter moves soft_failed -> pending with a computed backoff deadline
func (i *Invocation) RetryAfter(delay time.Duration) error {
	if i.BudgetExhausted() {
		return fmt.Errorf("stage %s: retry budget exhausted at attempt %d", i.name, i.attempt)
	}
	if err := i.transition(model.StagePending); err != nil {
		return err
	}
	at := time.Now().UTC().Add(delay)
	i.nextRetryAt = &at
	return nil
}

// SwitchToFallback records that the stage degraded to its fallback path.
// The fallback attempt budget, when declared, applies from here on.
func (i *Invocation) SwitchToFallback() {
	i.fallback = true
	i.fallbackTry = 0
	i.updatedAt = time.Now().UTC()
}

// Recover re-arms an invocation a crashed coordinator left behind in a
// mid-flight state. An interrupted active attempt never completed, so
// it is handed back to the budget; a soft failure already consumed its
// attempt and keeps the count.
func (i *Invocation) Recover() error {
	switch i.state {
	case model.StageActive:
		if i.attempt > 0 {
			i.attempt--
		}
		if i.fallback && i.fallbackTry > 0 {
			i.fallbackTry--
		}
	case model.StageSoftFailed:
	default:
		return fmt.Errorf("stage %s: cannot recover from %s", i.name, i.state)
	}
	i.state = model.StagePending
	i.startedAt = nil
	i.nextRetryAt = nil
	i.updatedAt = time.Now().UTC()
	return nil
}

// Reschedule re-arms a hard_failed invocation after human-approved resume
func (i *Invocation) Reschedule() error {
	if err := i.transition(model.StagePending); err != nil {
		return err
	}
	i.attempt = 0
	i.fallback = false
	i.fallbackTry = 0
	i.lastError = ""
	i.nextRetryAt = nil
	return nil
}

// Cancel terminates the invocation; valid from any non-terminal state
func (i *Invocation) Cancel() error {
	return i.transition(model.StageCancelled)
}

// BudgetExhausted reports whether another attempt is allowed.
// On the fallback path the fallback budget governs.
func (i *Invocation) BudgetExhausted() bool {
	used := i.attempt
	if i.fallback && i.profile.FallbackMaxAttempts > 0 {
		used = i.fallbackTry
	}
	return used >= i.profile.EffectiveMaxAttempts(i.fallback)
}
