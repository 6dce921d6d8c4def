package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/memory"
	"github.com/veridex/veridex/internal/domain/model/run"
	"github.com/veridex/veridex/internal/domain/model/stage"
	"github.com/veridex/veridex/internal/domain/repository"
)

// Status is the externally readable view of a run
type Status struct {
	Run         *run.Run
	Invocations []*stage.Invocation
	Transitions []stage.Transition
}

// Status reports the run record, its stage invocations, and the full
// transition history.
func (c *Coordinator) Status(ctx context.Context, runID model.RunID) (*Status, error) {
	r, err := c.runs.Find(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("find run: %w", err)
	}
	invocations, err := c.invocations.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	transitions, err := c.transitions.ListByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return &Status{Run: r, Invocations: invocations, Transitions: transitions}, nil
}

// List returns runs matching the filter
func (c *Coordinator) List(ctx context.Context, filter repository.RunFilter) ([]*run.Run, error) {
	return c.runs.List(ctx, filter)
}

// Resume re-arms a waiting run after human triage: the failed stage
// (and with it, everything downstream) is rescheduled. Invocations a
// crashed coordinator left active or soft_failed are recovered to
// pending, so a run parked by RecoverStale becomes drivable again.
// The caller drives the run again afterwards.
func (c *Coordinator) Resume(ctx context.Context, runID model.RunID) error {
	lease, err := c.leases.Find(ctx, runID)
	if err != nil {
		return fmt.Errorf("find lease: %w", err)
	}
	if lease != nil && !lease.IsExpired() {
		return ErrLeaseHeld
	}

	r, err := c.runs.Find(ctx, runID)
	if err != nil {
		return fmt.Errorf("find run: %w", err)
	}
	if r.State() != model.RunWaiting {
		return fmt.Errorf("run %s is %s, only waiting runs can be resumed", runID, r.State())
	}

	snap, _, err := c.memories.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	invocations, err := c.invocations.ListByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("list invocations: %w", err)
	}
	for _, inv := range invocations {
		from := inv.State()
		trigger := stage.TriggerResumed
		switch from {
		case model.StageHardFailed:
			if err := inv.Reschedule(); err != nil {
				return err
			}
		case model.StageActive, model.StageSoftFailed:
			if err := inv.Recover(); err != nil {
				return err
			}
			trigger = stage.TriggerRecovered
		default:
			continue
		}
		if err := c.invocations.Save(ctx, inv); err != nil {
			return fmt.Errorf("save invocation %s: %w", inv.Name(), err)
		}
		t := stage.NewTransition(runID, inv.Name(), from, inv.State(), trigger)
		if err := c.transitions.Append(ctx, t); err != nil {
			return fmt.Errorf("append transition: %w", err)
		}
	}

	if err := c.applyRun(ctx, r, r.Activate, model.RunWaiting, stage.TriggerResumed, snap); err != nil {
		return err
	}
	c.logger.Info("run %s resumed", runID)
	return nil
}

// Cancel terminates a run. For a driving run the cancellation signal
// is raised and Cancel blocks until every in-flight stage has run its
// compensation and acknowledged; parked runs are cancelled directly.
func (c *Coordinator) Cancel(ctx context.Context, runID model.RunID) error {
	if handle := c.lookup(runID); handle != nil {
		handle.requestCancel()
		select {
		case <-handle.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}
	return c.cancelParked(ctx, runID)
}

// cancelParked cancels a run that no coordinator is driving (pending
// or waiting). No stage is in flight, so only parked invocations need
// terminal states.
func (c *Coordinator) cancelParked(ctx context.Context, runID model.RunID) error {
	r, err := c.runs.Find(ctx, runID)
	if err != nil {
		return fmt.Errorf("find run: %w", err)
	}
	if r.State().IsTerminal() {
		return fmt.Errorf("run %s is already %s", runID, r.State())
	}

	snap, _, err := c.memories.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	invocations, err := c.invocations.ListByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("list invocations: %w", err)
	}
	for _, inv := range invocations {
		if inv.State().IsTerminal() {
			continue
		}
		from := inv.State()
		if err := inv.Cancel(); err != nil {
			return err
		}
		if err := c.invocations.Save(ctx, inv); err != nil {
			return fmt.Errorf("save invocation %s: %w", inv.Name(), err)
		}
		t := stage.NewTransition(runID, inv.Name(), from, inv.State(), stage.TriggerCancelled)
		if err := c.transitions.Append(ctx, t); err != nil {
			return fmt.Errorf("append transition: %w", err)
		}
	}

	from := r.State()
	if err := r.Cancel(); err != nil {
		return err
	}
	if err := c.runs.Save(ctx, r); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if err := c.transitions.Append(ctx, stage.NewRunTransition(runID, from, r.State(), stage.TriggerCancelled)); err != nil {
		return fmt.Errorf("append run transition: %w", err)
	}
	if _, err := c.memories.Save(ctx, runID, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	c.logger.Info("run %s cancelled", runID)
	return nil
}

// finalizeCancel completes run cancellation from inside the drive
// loop, after every in-flight stage has acknowledged.
func (c *Coordinator) finalizeCancel(ctx context.Context, handle *runHandle, r *run.Run, snap *memory.Snapshot) error {
	from := r.State()
	cancel := func() error { return r.Cancel() }
	if err := c.applyRun(context.WithoutCancel(ctx), r, cancel, from, stage.TriggerCancelled, snap); err != nil {
		return err
	}
	c.logger.Info("run %s cancelled", r.ID())
	return nil
}

// RecoverStale parks runs whose lease expired mid-flight, typically
// after a coordinator crash. Run at startup before driving anything.
func (c *Coordinator) RecoverStale(ctx context.Context) error {
	runIDs, err := c.leases.ReapExpired(ctx)
	if err != nil {
		return fmt.Errorf("reap expired leases: %w", err)
	}
	for _, runID := range runIDs {
		r, err := c.runs.Find(ctx, runID)
		if err != nil {
			return fmt.Errorf("find run %s: %w", runID, err)
		}
		if r.State() != model.RunActive {
			continue
		}
		snap, _, err := c.memories.Load(ctx, runID)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if err := c.applyRun(ctx, r, r.Wait, model.RunActive, stage.TriggerRecovered, snap); err != nil {
			return err
		}
		c.publish(output.Event{
			Name:      output.EventCaseHandoffRequired,
			RunID:     runID.String(),
			Timestamp: time.Now().UTC(),
			Details:   map[string]string{"reason": "stale lease recovered"},
		})
		c.logger.Warn("run %s recovered from stale lease and parked for triage", runID)
	}
	return nil
}
