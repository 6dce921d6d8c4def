package run

import (
	"fmt"
	"time"

	"github.com/veridex/veridex/internal/domain/model"
)

// Context carries the immutable identity of a run. It is created once
// at submission and threaded through every stage call; stages may read
// it but never mutate it.
type Context struct {
	RunID     model.RunID
	CaseID    model.CaseID
	UserID    string
	CreatedAt time.Time
}

// Run is the run-level aggregate: the RunRecord plus its state machine.
// Only the Coordinator mutates a Run.
type Run struct {
	ctx              Context
	state            model.RunState
	coverageDegraded bool
	createdAt        time.Time
	updatedAt        time.Time
}

// NewRun creates a run in the idle state for a submitted case
func NewRun(caseID model.CaseID, userID string) *Run {
	now := time.Now().UTC()
	return &Run{
		ctx: Context{
			RunID:     model.NewRunID(),
			CaseID:    caseID,
			UserID:    userID,
			CreatedAt: now,
		},
		state:     model.RunIdle,
		createdAt: now,
		updatedAt: now,
	}
}

// ReconstructRun rebuilds a run from persisted data
func ReconstructRun(
	runID model.RunID,
	caseID model.CaseID,
	userID string,
	state model.RunState,
	coverageDegraded bool,
	createdAt, updatedAt time.Time,
) *Run {
	return &Run{
		ctx: Context{
			RunID:     runID,
			CaseID:    caseID,
			UserID:    userID,
			CreatedAt: createdAt,
		},
		state:            state,
		coverageDegraded: coverageDegraded,
		createdAt:        createdAt,
		updatedAt:        updatedAt,
	}
}

// Context returns the immutable run context
func (r *Run) Context() Context { return r.ctx }

// ID returns the run ID
func (r *Run) ID() model.RunID { return r.ctx.RunID }

// CaseID returns the case this run belongs to
func (r *Run) CaseID() model.CaseID { return r.ctx.CaseID }

// State returns the overall run state
func (r *Run) State() model.RunState { return r.state }

// CoverageDegraded reports whether the run succeeded with partial
// forensics coverage
func (r *Run) CoverageDegraded() bool { return r.coverageDegraded }

// CreatedAt returns the submission time
func (r *Run) CreatedAt() time.Time { return r.createdAt }

// UpdatedAt returns the last mutation time
func (r *Run) UpdatedAt() time.Time { return r.updatedAt }

func (r *Run) transition(next model.RunState) error {
	if !r.state.CanTransitionTo(next) {
		return fmt.Errorf("run %s: illegal transition %s -> %s", r.ctx.RunID, r.state, next)
	}
	r.state = next
	r.updatedAt = time.Now().UTC()
	return nil
}

// Submit moves idle -> pending once the RunRecord is persisted
func (r *Run) Submit() error {
	return r.transition(model.RunPending)
}

// Activate moves pending -> active when root-stage preconditions hold,
// or waiting -> active on human-approved resume
func (r *Run) Activate() error {
	return r.transition(model.RunActive)
}

// Wait parks the run pending human input after a hard failure
func (r *Run) Wait() error {
	return r.transition(model.RunWaiting)
}

// Succeed completes the run. degraded marks partial forensics coverage.
func (r *Run) Succeed(degraded bool) error {
	if err := r.transition(model.RunSucceeded); err != nil {
		return err
	}
	r.coverageDegraded = degraded
	return nil
}

// Cancel terminates the run after all stages acknowledged cancellation
func (r *Run) Cancel() error {
	return r.transition(model.RunCancelled)
}
