package output

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/memory"
	"github.com/veridex/veridex/internal/domain/model/run"
)

// StageGateway is the uniform contract every pipeline stage implements.
// A stage wraps one external collaborator (a parser service, a
// retrieval backend, a forensics analyzer) and is free to be a local
// computation, an HTTP call, or a subprocess. The orchestrator only
// sees this interface.
type StageGateway interface {
	// Name returns the stage this gateway implements
	Name() model.StageName

	// CheckPreconditions validates stage-specific prerequisites before
	// scheduling (e.g. manifest presence). A returned error is a
	// configuration fault and is never retried.
	CheckPreconditions(ctx context.Context, runCtx run.Context) error

	// Execute performs the stage's work. The context carries the
	// invocation's wall-clock timeout and the run's cancellation
	// signal. Errors must be *StageError so the orchestrator can
	// classify them; any other error is treated as fatal.
	Execute(ctx context.Context, runCtx run.Context, input StageInput) (*StageOutput, error)

	// Compensate undoes partial effects after cancellation (delete
	// partial writes, release collaborator locks). It runs
	// synchronously before the stage reports cancelled.
	Compensate(ctx context.Context, runCtx run.Context) error
}

// StageInput is what a stage receives from the orchestrator: the
// snapshot of upstream results it may read. Only succeeded stages'
// namespaces are present.
type StageInput struct {
	Attempt  int
	Fallback bool                       // degraded execution path requested
	Insights map[string]json.RawMessage // upstream namespaces, read-only
	Plan     memory.Plan
}

// StageOutput is what a stage hands back on success. The orchestrator
// merges it into the run memory under the stage's namespace; stages
// never write shared state themselves.
type StageOutput struct {
	Insight   json.RawMessage      // stage's result, stored under its namespace
	Artifacts []memory.ArtifactRef // produced artifacts (payloads already archived)
	Score     float64              // QA score for this stage's output
	Fallback  bool                 // stage degraded during execution (e.g. GPU -> CPU)
	Duration  time.Duration
}

// Classification separates how the orchestrator reacts from what
// failed. It is carried on the error, never parsed from messages.
type Classification string

const (
	// Transient failures (timeouts, throttling, lock contention) are
	// retried within the stage's budget.
	Transient Classification = "transient"

	// Fatal failures (schema violations, policy blocks, unrecoverable
	// parse errors) are never retried and escalate to a human.
	Fatal Classification = "fatal"
)

// StageError is the classified error returned by stage execution
type StageError struct {
	Classification Classification
	Stage          model.StageName
	Err            error

	// Degraded marks a transient failure that asks the orchestrator to
	// retry on the stage's fallback path (e.g. GPU unavailable, retry
	// on CPU).
	Degraded bool
}

// Error implements the error interface
func (e *StageError) Error() string {
	if e.Err == nil {
		return string(e.Classification) + " stage error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped cause
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps a retryable failure
func NewTransientError(stage model.StageName, err error) *StageError {
	return &StageError{Classification: Transient, Stage: stage, Err: err}
}

// NewDegradedError wraps a transient failure that requests a retry on
// the stage's fallback execution path
func NewDegradedError(stage model.StageName, err error) *StageError {
	return &StageError{Classification: Transient, Stage: stage, Err: err, Degraded: true}
}

// NewFatalError wraps a non-retryable failure
func NewFatalError(stage model.StageName, err error) *StageError {
	return &StageError{Classification: Fatal, Stage: stage, Err: err}
}

// Classify extracts the classification from an error. Context
// deadline/cancellation and unclassified errors default to transient
// and fatal respectively: a timeout is worth retrying, an unknown
// failure is not.
func Classify(err error) Classification {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Classification
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Fatal
}
