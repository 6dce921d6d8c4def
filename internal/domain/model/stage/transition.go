package stage

import (
	"time"

	"github.com/veridex/veridex/internal/domain/model"
)

// Transition is the canonical audit record of one state change.
// Transitions are immutable and append-only; they are never deleted.
type Transition struct {
	RunID     model.RunID
	Stage     model.StageName
	FromState string
	ToState   string
	Trigger   string
	Timestamp time.Time
}

// Triggers recorded on transitions. The trigger names what caused the
// move, independent of the states involved.
const (
	TriggerScheduled       = "scheduled"
	TriggerPrecondition    = "precondition_failed"
	TriggerStarted         = "started"
	TriggerCompleted       = "completed"
	TriggerTransientError  = "transient_error"
	TriggerFatalError      = "fatal_error"
	TriggerBudgetExhausted = "budget_exhausted"
	TriggerRetryBackoff    = "retry_backoff"
	TriggerBreakerDeferred = "breaker_deferred"
	TriggerResumed         = "resumed"
	TriggerCancelled       = "cancelled"
	TriggerRecovered       = "lease_recovered"
)

// NewTransition builds a stage-level transition record
func NewTransition(runID model.RunID, stage model.StageName, from, to model.StageState, trigger string) Transition {
	return Transition{
		RunID:     runID,
		Stage:     stage,
		FromState: from.String(),
		ToState:   to.String(),
		Trigger:   trigger,
		Timestamp: time.Now().UTC(),
	}
}

// NewRunTransition builds a run-level transition record. Run-level rows
// share the audit log with stage rows and use an empty stage name.
func NewRunTransition(runID model.RunID, from, to model.RunState, trigger string) Transition {
	return Transition{
		RunID:     runID,
		FromState: from.String(),
		ToState:   to.String(),
		Trigger:   trigger,
		Timestamp: time.Now().UTC(),
	}
}
