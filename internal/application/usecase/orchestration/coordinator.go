// Package orchestration drives runs through the fixed pipeline:
// Ingestion -> GraphBuilder -> Research -> Timeline, then a concurrent
// fan-out to the three forensics analyzers. The Coordinator owns the
// run-level state machine and is the single writer of all run state.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veridex/veridex/internal/app"
	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/breaker"
	"github.com/veridex/veridex/internal/domain/model/memory"
	"github.com/veridex/veridex/internal/domain/model/run"
	"github.com/veridex/veridex/internal/domain/model/stage"
	"github.com/veridex/veridex/internal/domain/repository"
	"github.com/veridex/veridex/internal/domain/service/retry"
)

// errRunCancelled signals cooperative cancellation inside the drive loop
var errRunCancelled = errors.New("run cancelled")

// ErrLeaseHeld is returned when another process is driving the run
var ErrLeaseHeld = errors.New("run lease is held by another process")

// SleepFunc waits for a backoff or breaker-cooldown delay. It returns
// early with an error when the context is done or cancel fires.
// Injectable so tests run without real delays.
type SleepFunc func(ctx context.Context, cancel <-chan struct{}, d time.Duration) error

func defaultSleep(ctx context.Context, cancel <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-cancel:
		return errRunCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stageOutcome is the result of driving one stage to a parked state
type stageOutcome int

const (
	outcomeSucceeded stageOutcome = iota
	outcomeHardFailed
	outcomeCancelled
)

// Coordinator sequences stage invocations, applies the circuit breaker
// and retry policy around each one, persists run state after every
// transition, and decides escalation versus continuation on failure.
type Coordinator struct {
	runs        repository.RunRepository
	invocations repository.InvocationRepository
	transitions repository.TransitionRepository
	memories    repository.MemoryRepository
	leases      repository.LeaseRepository
	gateways    map[model.StageName]output.StageGateway
	publisher   output.EventPublisher
	telemetry   output.TelemetrySink
	storage     output.StorageGateway
	policy      *retry.Policy
	breakers    *breaker.Registry
	leaseTTL    time.Duration
	sleep       SleepFunc
	logger      app.Logger

	mu      sync.Mutex
	handles map[string]*runHandle
}

// runHandle tracks one driving run. stateMu serializes all state
// writes for the run: forensics stages compute concurrently but every
// persisted mutation goes through the handle's lock.
type runHandle struct {
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	stateMu    sync.Mutex
}

func (h *runHandle) requestCancel() {
	h.cancelOnce.Do(func() { close(h.cancelCh) })
}

func (h *runHandle) cancelRequested() bool {
	select {
	case <-h.cancelCh:
		return true
	default:
		return false
	}
}

// Config holds coordinator construction parameters
type Config struct {
	Runs        repository.RunRepository
	Invocations repository.InvocationRepository
	Transitions repository.TransitionRepository
	Memories    repository.MemoryRepository
	Leases      repository.LeaseRepository
	Gateways    map[model.StageName]output.StageGateway
	Publisher   output.EventPublisher
	Telemetry   output.TelemetrySink
	Storage     output.StorageGateway
	Policy      *retry.Policy
	Breakers    *breaker.Registry
	LeaseTTL    time.Duration
	Sleep       SleepFunc
	Logger      app.Logger
}

// NewCoordinator wires a coordinator from its collaborators
func NewCoordinator(cfg Config) (*Coordinator, error) {
	for _, name := range model.AllStages() {
		if _, ok := cfg.Gateways[name]; !ok {
			return nil, fmt.Errorf("missing stage gateway: %s", name)
		}
	}
	if cfg.Policy == nil {
		cfg.Policy = retry.NewSeeded(time.Now().UnixNano())
	}
	if cfg.Breakers == nil {
		cfg.Breakers = breaker.NewRegistry(breaker.DefaultSettings())
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if cfg.Sleep == nil {
		cfg.Sleep = defaultSleep
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = output.NopTelemetry()
	}
	if cfg.Logger == nil {
		cfg.Logger = app.GetLogger()
	}
	return &Coordinator{
		runs:        cfg.Runs,
		invocations: cfg.Invocations,
		transitions: cfg.Transitions,
		memories:    cfg.Memories,
		leases:      cfg.Leases,
		gateways:    cfg.Gateways,
		publisher:   cfg.Publisher,
		telemetry:   cfg.Telemetry,
		storage:     cfg.Storage,
		policy:      cfg.Policy,
		breakers:    cfg.Breakers,
		leaseTTL:    cfg.LeaseTTL,
		sleep:       cfg.Sleep,
		logger:      cfg.Logger,
		handles:     make(map[string]*runHandle),
	}, nil
}

// Submit creates a run for a case and persists it in the pending
// state. Driving starts separately via Drive.
func (c *Coordinator) Submit(ctx context.Context, caseID model.CaseID, userID, objective string) (model.RunID, error) {
	r := run.NewRun(caseID, userID)

	if err := c.runs.Save(ctx, r); err != nil {
		return model.RunID{}, fmt.Errorf("save run: %w", err)
	}

	steps := make([]string, 0, len(model.AllStages()))
	for _, s := range model.AllStages() {
		steps = append(steps, s.String())
	}
	snap := memory.NewSnapshot(objective, steps)
	if _, err := c.memories.Save(ctx, r.ID(), snap); err != nil {
		return model.RunID{}, fmt.Errorf("save snapshot: %w", err)
	}

	if err := c.applyRun(ctx, r, r.Submit, model.RunIdle, stage.TriggerScheduled, snap); err != nil {
		return model.RunID{}, err
	}

	c.logger.Info("run %s submitted for case %s", r.ID(), caseID)
	return r.ID(), nil
}

// Drive executes a run until it parks: overall succeeded, cancelled,
// or waiting for human input. It is the coordinator goroutine for the
// run; calling it concurrently for the same run fails on the lease.
func (c *Coordinator) Drive(ctx context.Context, runID model.RunID) error {
	lease, err := c.leases.Acquire(ctx, runID, c.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if lease == nil {
		return ErrLeaseHeld
	}
	defer func() {
		if err := c.leases.Release(context.WithoutCancel(ctx), runID); err != nil {
			c.logger.Warn("release lease for run %s: %v", runID, err)
		}
	}()

	handle := c.register(runID)
	defer c.unregister(runID, handle)

	stopHeartbeat := c.startHeartbeat(ctx, runID, handle)
	defer stopHeartbeat()

	return c.drive(ctx, runID, handle)
}

func (c *Coordinator) register(runID model.RunID) *runHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle := &runHandle{
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.handles[runID.String()] = handle
	return handle
}

func (c *Coordinator) unregister(runID model.RunID, handle *runHandle) {
	c.mu.Lock()
	delete(c.handles, runID.String())
	c.mu.Unlock()
	close(handle.done)
}

func (c *Coordinator) lookup(runID model.RunID) *runHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[runID.String()]
}

// startHeartbeat keeps the run lease alive while driving. Each beat
// re-arms the expiry, so the lease survives stage executions that run
// longer than the TTL.
func (c *Coordinator) startHeartbeat(ctx context.Context, runID model.RunID, handle *runHandle) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.leases.Heartbeat(ctx, runID, c.leaseTTL); err != nil {
					c.logger.Warn("lease heartbeat for run %s: %v", runID, err)
				}
			case <-stop:
				return
			case <-handle.done:
				return
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// drive advances the run's dependency graph from wherever persisted
// state left off.
func (c *Coordinator) drive(ctx context.Context, runID model.RunID, handle *runHandle) error {
	r, err := c.runs.Find(ctx, runID)
	if err != nil {
		return fmt.Errorf("find run: %w", err)
	}
	if r.State().IsTerminal() {
		return nil
	}
	if r.State() == model.RunWaiting {
		return fmt.Errorf("run %s is waiting for human input; resume or cancel it", runID)
	}

	snap, _, err := c.memories.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	if r.State() == model.RunPending {
		if err := c.applyRun(ctx, r, r.Activate, model.RunPending, stage.TriggerStarted, snap); err != nil {
			return err
		}
	}

	// Linear chain: strictly one stage active at a time.
	chain := model.PipelineChain()
	for idx, name := range chain {
		inv, err := c.loadInvocation(ctx, runID, name)
		if err != nil {
			return err
		}
		if inv.State() == model.StageSucceeded {
			continue
		}

		outcome, err := c.runStage(ctx, handle, r, inv, snap)
		if err != nil {
			return err
		}
		switch outcome {
		case outcomeHardFailed:
			return c.parkWaiting(ctx, r, snap)
		case outcomeCancelled:
			return c.finalizeCancel(ctx, handle, r, snap)
		}

		if idx+1 < len(chain) {
			snap.RecordHandOff(name.InsightNamespace(), chain[idx+1].InsightNamespace(), "run_memory")
		}
	}

	// Fan-out: the three forensics stages run concurrently. Stage
	// computation is parallel; every state write is serialized by the
	// run handle's lock.
	outcomes, err := c.runForensics(ctx, handle, r, snap)
	if err != nil {
		return err
	}
	return c.settleForensics(ctx, handle, r, snap, outcomes)
}

// runForensics schedules the fan-out set and waits for all three to
// reach a terminal state. No ordering is assumed between them.
func (c *Coordinator) runForensics(ctx context.Context, handle *runHandle, r *run.Run, snap *memory.Snapshot) (map[model.StageName]stageOutcome, error) {
	invs := make(map[model.StageName]*stage.Invocation, 3)
	for _, name := range model.ForensicsStages() {
		inv, err := c.loadInvocation(ctx, r.ID(), name)
		if err != nil {
			return nil, err
		}
		invs[name] = inv
	}

	// A stage already finished by an earlier drive keeps its recorded
	// hand-off; only stages that still need to run are handed off now.
	handle.stateMu.Lock()
	for _, name := range model.ForensicsStages() {
		if invs[name].State() != model.StageSucceeded {
			snap.RecordHandOff(model.StageTimeline.InsightNamespace(), name.InsightNamespace(), "fan_out")
		}
	}
	handle.stateMu.Unlock()

	outcomes := make(map[model.StageName]stageOutcome, 3)
	var outcomesMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range model.ForensicsStages() {
		name := name
		g.Go(func() error {
			inv := invs[name]
			if inv.State() == model.StageSucceeded {
				outcomesMu.Lock()
				outcomes[name] = outcomeSucceeded
				outcomesMu.Unlock()
				return nil
			}
			outcome, err := c.runStage(gctx, handle, r, inv, snap)
			if err != nil {
				return err
			}
			outcomesMu.Lock()
			outcomes[name] = outcome
			outcomesMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// settleForensics aggregates fan-out completion. One or two analyzer
// hard failures degrade coverage but do not block overall success;
// all three failing parks the run for triage.
func (c *Coordinator) settleForensics(ctx context.Context, handle *runHandle, r *run.Run, snap *memory.Snapshot, outcomes map[model.StageName]stageOutcome) error {
	hardFailed := 0
	for _, outcome := range outcomes {
		switch outcome {
		case outcomeCancelled:
			return c.finalizeCancel(ctx, handle, r, snap)
		case outcomeHardFailed:
			hardFailed++
		}
	}

	if hardFailed == len(outcomes) {
		return c.parkWaiting(ctx, r, snap)
	}

	degraded := hardFailed > 0
	succeed := func() error { return r.Succeed(degraded) }
	if err := c.applyRun(ctx, r, succeed, model.RunActive, stage.TriggerCompleted, snap); err != nil {
		return err
	}
	if degraded {
		c.logger.Warn("run %s succeeded with degraded forensics coverage (%d analyzer(s) failed)", r.ID(), hardFailed)
	} else {
		c.logger.Info("run %s succeeded", r.ID())
	}
	c.archiveSnapshot(ctx, r, snap)
	return nil
}

// parkWaiting moves the run to waiting after a hard failure. The
// escalation event was already emitted by the failing stage; leaving
// waiting requires an explicit resume or cancel.
func (c *Coordinator) parkWaiting(ctx context.Context, r *run.Run, snap *memory.Snapshot) error {
	if err := c.applyRun(ctx, r, r.Wait, model.RunActive, stage.TriggerFatalError, snap); err != nil {
		return err
	}
	c.logger.Warn("run %s parked for human triage", r.ID())
	return nil
}

// applyRun performs a run-level transition, appends its audit record,
// and persists the snapshot in the same logical step.
func (c *Coordinator) applyRun(ctx context.Context, r *run.Run, transition func() error, from model.RunState, trigger string, snap *memory.Snapshot) error {
	if err := transition(); err != nil {
		return err
	}
	if err := c.runs.Save(ctx, r); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	t := stage.NewRunTransition(r.ID(), from, r.State(), trigger)
	if err := c.transitions.Append(ctx, t); err != nil {
		return fmt.Errorf("append run transition: %w", err)
	}
	if _, err := c.memories.Save(ctx, r.ID(), snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	c.telemetry.CountTransition(ctx, "", from.String(), r.State().String())
	return nil
}

// publish delivers an event without letting publisher faults affect
// orchestration.
func (c *Coordinator) publish(event output.Event) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(event)
}

// archiveSnapshot exports the terminal snapshot to payload storage for
// external debugging. Best effort.
func (c *Coordinator) archiveSnapshot(ctx context.Context, r *run.Run, snap *memory.Snapshot) {
	if c.storage == nil {
		return
	}
	data, err := snap.ToJSON()
	if err != nil {
		c.logger.Warn("encode snapshot for archive: %v", err)
		return
	}
	_, err = c.storage.SaveArtifact(ctx, output.SaveArtifactRequest{
		RunID:        r.ID().String(),
		ArtifactType: output.ArtifactTypeSnapshot,
		Content:      data,
		ContentType:  "application/json",
		Metadata:     map[string]string{"case_id": r.CaseID().String()},
	})
	if err != nil {
		c.logger.Warn("archive snapshot for run %s: %v", r.ID(), err)
	}
}

// loadInvocation fetches a stage invocation, creating the idle record
// on first scheduling.
func (c *Coordinator) loadInvocation(ctx context.Context, runID model.RunID, name model.StageName) (*stage.Invocation, error) {
	inv, err := c.invocations.Find(ctx, runID, name)
	if err != nil {
		return nil, fmt.Errorf("find invocation %s: %w", name, err)
	}
	if inv != nil {
		return inv, nil
	}
	inv, err = stage.NewInvocation(runID, name)
	if err != nil {
		return nil, err
	}
	if err := c.invocations.Save(ctx, inv); err != nil {
		return nil, fmt.Errorf("save invocation %s: %w", name, err)
	}
	return inv, nil
}
