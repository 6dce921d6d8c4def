package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/memory"
	"github.com/veridex/veridex/internal/domain/model/run"
	"github.com/veridex/veridex/internal/domain/model/stage"
)

// runStage drives one invocation from its current state to a terminal
// state (succeeded, hard_failed, or cancelled). It owns the stage's
// private state machine: scheduling, precondition checks, breaker
// gating, execution with timeout, retry backoff, and escalation.
func (c *Coordinator) runStage(ctx context.Context, handle *runHandle, r *run.Run, inv *stage.Invocation, snap *memory.Snapshot) (stageOutcome, error) {
	gateway := c.gateways[inv.Name()]
	brk := c.breakers.For(inv.Name().String())

	// First scheduling: validate preconditions, then move to pending.
	if inv.State() == model.StageIdle {
		if err := gateway.CheckPreconditions(ctx, r.Context()); err != nil {
			reason := fmt.Sprintf("precondition failed: %v", err)
			if applyErr := c.applyStage(ctx, handle, inv, snap, func() error {
				return inv.RejectPreconditions(reason)
			}, stage.TriggerPrecondition); applyErr != nil {
				return 0, applyErr
			}
			c.escalate(ctx, r, inv)
			return outcomeHardFailed, nil
		}
		if err := c.applyStage(ctx, handle, inv, snap, inv.Schedule, stage.TriggerScheduled); err != nil {
			return 0, err
		}
	}

	for {
		if handle.cancelRequested() {
			return c.cancelStage(ctx, handle, r, inv, snap)
		}

		// Honor a pending retry's backoff deadline.
		if at := inv.NextRetryAt(); at != nil {
			if wait := time.Until(*at); wait > 0 {
				if err := c.sleep(ctx, handle.cancelCh, wait); err != nil {
					if errors.Is(err, errRunCancelled) {
						return c.cancelStage(ctx, handle, r, inv, snap)
					}
					return 0, err
				}
			}
		}

		// An open breaker defers pending -> active; the stage stays
		// pending and re-evaluates after the cooldown.
		if !brk.Allow() {
			wait := brk.RetryIn()
			if wait <= 0 {
				wait = time.Second
			}
			c.logger.Info("stage %s deferred %s by open circuit breaker (run %s)", inv.Name(), wait, r.ID())
			c.journalDeferred(inv, wait)
			if err := c.sleep(ctx, handle.cancelCh, wait); err != nil {
				if errors.Is(err, errRunCancelled) {
					return c.cancelStage(ctx, handle, r, inv, snap)
				}
				return 0, err
			}
			continue
		}

		if err := c.applyStage(ctx, handle, inv, snap, inv.Start, stage.TriggerStarted); err != nil {
			return 0, err
		}

		result, execErr := c.executeAttempt(ctx, handle, r, inv, snap)

		if handle.cancelRequested() {
			return c.cancelStage(ctx, handle, r, inv, snap)
		}

		if execErr == nil {
			brk.RecordSuccess()
			if err := c.completeStage(ctx, handle, r, inv, snap, result); err != nil {
				return 0, err
			}
			return outcomeSucceeded, nil
		}

		brk.RecordFailure()

		if output.Classify(execErr) == output.Fatal {
			if err := c.failStage(ctx, handle, inv, snap, execErr.Error(), stage.TriggerFatalError); err != nil {
				return 0, err
			}
			c.escalate(ctx, r, inv)
			return outcomeHardFailed, nil
		}

		// Transient: soft_failed, then either back to pending within
		// budget or escalate on exhaustion.
		if err := c.applyStage(ctx, handle, inv, snap, func() error {
			return inv.SoftFail(execErr.Error())
		}, stage.TriggerTransientError); err != nil {
			return 0, err
		}

		if degraded(execErr) && !inv.OnFallback() {
			inv.SwitchToFallback()
			c.logger.Warn("stage %s switching to fallback path (run %s): %v", inv.Name(), r.ID(), execErr)
		}

		if inv.BudgetExhausted() {
			msg := fmt.Sprintf("retry budget exhausted after attempt %d: %v", inv.Attempt(), execErr)
			if err := c.failStage(ctx, handle, inv, snap, msg, stage.TriggerBudgetExhausted); err != nil {
				return 0, err
			}
			c.escalate(ctx, r, inv)
			return outcomeHardFailed, nil
		}

		delay := c.policy.Delay(inv.Attempt(), inv.Profile())
		if err := c.applyStage(ctx, handle, inv, snap, func() error {
			return inv.RetryAfter(delay)
		}, stage.TriggerRetryBackoff); err != nil {
			return 0, err
		}

		handle.stateMu.Lock()
		snap.RecordRetry(delay)
		snap.AppendTurn(inv.Name().String(), "retry_scheduled", map[string]float64{
			"attempt":    float64(inv.Attempt()),
			"backoff_ms": float64(delay.Milliseconds()),
		})
		handle.stateMu.Unlock()
		c.telemetry.CountRetry(ctx, inv.Name(), delay)
	}
}

// executeAttempt invokes the stage gateway once under the profile's
// wall-clock timeout. A deadline hit surfaces as a transient error.
func (c *Coordinator) executeAttempt(ctx context.Context, handle *runHandle, r *run.Run, inv *stage.Invocation, snap *memory.Snapshot) (*output.StageOutput, error) {
	execCtx, cancel := context.WithTimeout(ctx, inv.Profile().ExecuteTimeout)
	defer cancel()

	spanCtx, endSpan := c.telemetry.StageSpan(execCtx, r.ID(), inv.Name(), inv.Attempt())

	// The input carries a copy taken under the run's write lock, so a
	// concurrent sibling merging its result cannot be observed mid-write.
	handle.stateMu.Lock()
	input := output.StageInput{
		Attempt:  inv.Attempt(),
		Fallback: inv.OnFallback(),
		Insights: snap.CloneInsights(),
		Plan:     snap.Plan,
	}
	handle.stateMu.Unlock()

	started := time.Now()
	result, err := c.gateways[inv.Name()].Execute(spanCtx, r.Context(), input)
	endSpan(err)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, output.NewTransientError(inv.Name(), fmt.Errorf("execution timed out after %s", inv.Profile().ExecuteTimeout))
		}
		return nil, err
	}
	if result == nil {
		return nil, output.NewFatalError(inv.Name(), errors.New("stage returned no output"))
	}
	if result.Duration == 0 {
		result.Duration = time.Since(started)
	}
	return result, nil
}

// completeStage merges the stage's result into the run memory under
// the stage's own namespace and publishes the completion event.
func (c *Coordinator) completeStage(ctx context.Context, handle *runHandle, r *run.Run, inv *stage.Invocation, snap *memory.Snapshot, result *output.StageOutput) error {
	return c.applyStage(ctx, handle, inv, snap, func() error {
		if err := inv.Succeed(); err != nil {
			return err
		}
		if err := snap.MergeInsight(inv.Name().InsightNamespace(), result.Insight); err != nil {
			return err
		}
		snap.AddArtifacts(result.Artifacts)
		if result.Score > 0 {
			snap.RecordScore(inv.Name().String(), result.Score)
		}
		snap.AppendTurn(inv.Name().String(), "completed", map[string]float64{
			"attempt":     float64(inv.Attempt()),
			"duration_ms": float64(result.Duration.Milliseconds()),
		})

		c.publish(output.Event{
			Name:      output.CompletionEventFor(inv.Name()),
			RunID:     r.ID().String(),
			Stage:     inv.Name().String(),
			Timestamp: time.Now().UTC(),
		})
		c.logger.Info("stage %s succeeded on attempt %d (run %s)", inv.Name(), inv.Attempt(), r.ID())
		return nil
	}, stage.TriggerCompleted)
}

// failStage records a hard failure and emits the escalation event
func (c *Coordinator) failStage(ctx context.Context, handle *runHandle, inv *stage.Invocation, snap *memory.Snapshot, msg, trigger string) error {
	if err := c.applyStage(ctx, handle, inv, snap, func() error {
		return inv.HardFail(msg)
	}, trigger); err != nil {
		return err
	}
	c.logger.Error("stage %s hard-failed (run %s): %s", inv.Name(), inv.RunID(), msg)
	return nil
}

// escalate emits the human-triage event for a hard-failed stage with
// full diagnostics.
func (c *Coordinator) escalate(ctx context.Context, r *run.Run, inv *stage.Invocation) {
	c.publish(output.Event{
		Name:      output.EventCaseHandoffRequired,
		RunID:     r.ID().String(),
		Stage:     inv.Name().String(),
		Timestamp: time.Now().UTC(),
		Details: map[string]string{
			"case_id":    r.CaseID().String(),
			"attempt":    fmt.Sprintf("%d", inv.Attempt()),
			"last_error": inv.LastError(),
		},
	})
	c.telemetry.CountHandoff(ctx, inv.Name())
}

// cancelStage runs the stage's compensation, rolls back its partial
// memory writes, and marks it cancelled.
func (c *Coordinator) cancelStage(ctx context.Context, handle *runHandle, r *run.Run, inv *stage.Invocation, snap *memory.Snapshot) (stageOutcome, error) {
	// Compensation must complete even though the run is going away.
	compCtx := context.WithoutCancel(ctx)
	if err := c.gateways[inv.Name()].Compensate(compCtx, r.Context()); err != nil {
		c.logger.Warn("compensation for stage %s (run %s): %v", inv.Name(), r.ID(), err)
	}

	if err := c.applyStage(compCtx, handle, inv, snap, func() error {
		if err := inv.Cancel(); err != nil {
			return err
		}
		snap.DropInsight(inv.Name().InsightNamespace())
		snap.AppendTurn(inv.Name().String(), "cancelled", nil)
		return nil
	}, stage.TriggerCancelled); err != nil {
		return 0, err
	}
	c.logger.Info("stage %s cancelled (run %s)", inv.Name(), r.ID())
	return outcomeCancelled, nil
}

// applyStage performs one stage transition under the run's write lock:
// mutate, persist the invocation, append the audit record, and save
// the snapshot in the same logical step.
func (c *Coordinator) applyStage(ctx context.Context, handle *runHandle, inv *stage.Invocation, snap *memory.Snapshot, mutate func() error, trigger string) error {
	handle.stateMu.Lock()
	defer handle.stateMu.Unlock()

	from := inv.State()
	if err := mutate(); err != nil {
		return err
	}
	if err := c.invocations.Save(ctx, inv); err != nil {
		return fmt.Errorf("save invocation %s: %w", inv.Name(), err)
	}
	t := stage.NewTransition(inv.RunID(), inv.Name(), from, inv.State(), trigger)
	if err := c.transitions.Append(ctx, t); err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	if _, err := c.memories.Save(ctx, inv.RunID(), snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	c.telemetry.CountTransition(ctx, inv.Name(), from.String(), inv.State().String())
	return nil
}

// journalDeferred records a breaker deferral in the audit log without
// a state change; the stage remains pending.
func (c *Coordinator) journalDeferred(inv *stage.Invocation, wait time.Duration) {
	t := stage.Transition{
		RunID:     inv.RunID(),
		Stage:     inv.Name(),
		FromState: inv.State().String(),
		ToState:   inv.State().String(),
		Trigger:   stage.TriggerBreakerDeferred,
		Timestamp: time.Now().UTC(),
	}
	if err := c.transitions.Append(context.Background(), t); err != nil {
		c.logger.Warn("append breaker deferral record: %v", err)
	}
}

// degraded reports whether a transient failure asked for the stage's
// fallback execution path.
func degraded(err error) bool {
	var stageErr *output.StageError
	if errors.As(err, &stageErr) {
		return stageErr.Degraded
	}
	return false
}
