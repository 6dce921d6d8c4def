package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/run"
	"github.com/veridex/veridex/internal/domain/model/stage"
	"github.com/veridex/veridex/internal/domain/repository"
)

func TestCancel_PendingRun(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t)

	require.NoError(t, f.coordinator.Cancel(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunCancelled, status.Run.State())

	// Cancelling a finished run is rejected.
	err := f.coordinator.Cancel(context.Background(), runID)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already cancelled")
}

func TestCancel_ActiveRunRollsBackPartialWork(t *testing.T) {
	f := newFixture(t)

	// Research blocks until released; the run is cancelled while the
	// stage is active.
	started := make(chan struct{})
	release := make(chan struct{})
	f.gateways[model.StageResearch].ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		close(started)
		<-release
		return &output.StageOutput{Insight: json.RawMessage(`{"answer":"partial"}`), Score: 0.5}, nil
	}

	runID := f.submit(t)
	driveErr := make(chan error, 1)
	go func() { driveErr <- f.coordinator.Drive(context.Background(), runID) }()
	<-started

	cancelErr := make(chan error, 1)
	go func() { cancelErr <- f.coordinator.Cancel(context.Background(), runID) }()

	// Let the cancellation signal land before the stage finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-cancelErr)
	require.NoError(t, <-driveErr)

	status := f.status(t, runID)
	assert.Equal(t, model.RunCancelled, status.Run.State())

	research := f.invocation(t, status, model.StageResearch)
	assert.Equal(t, model.StageCancelled, research.State())
	// Compensation ran against the collaborator.
	assert.Equal(t, 1, f.gateways[model.StageResearch].Compensations())

	// Partial research output was rolled back; upstream results stay.
	snap := f.snapshot(t, runID)
	assert.NotContains(t, snap.Insights, "retrieval")
	assert.Contains(t, snap.Insights, "graph")

	// Timeline was never scheduled.
	for _, inv := range status.Invocations {
		assert.NotEqual(t, model.StageTimeline, inv.Name())
	}
	assert.Equal(t, 0, f.gateways[model.StageTimeline].Executions())
}

func TestResume_ReschedulesHardFailedStage(t *testing.T) {
	f := newFixture(t)

	// Timeline fails fatally on the first drive.
	var mu sync.Mutex
	fail := true
	f.gateways[model.StageTimeline].ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		mu.Lock()
		shouldFail := fail
		mu.Unlock()
		if shouldFail {
			return nil, output.NewFatalError(model.StageTimeline, fmt.Errorf("event ordering conflict"))
		}
		return &output.StageOutput{Insight: json.RawMessage(`{"events":[]}`), Score: 0.9}, nil
	}

	runID := f.submit(t)
	require.NoError(t, f.coordinator.Drive(context.Background(), runID))
	require.Equal(t, model.RunWaiting, f.status(t, runID).Run.State())

	// A waiting run cannot be driven without an explicit resume.
	err := f.coordinator.Drive(context.Background(), runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "waiting for human input")

	// The operator fixes the collaborator and resumes.
	mu.Lock()
	fail = false
	mu.Unlock()
	require.NoError(t, f.coordinator.Resume(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunActive, status.Run.State())
	timeline := f.invocation(t, status, model.StageTimeline)
	assert.Equal(t, model.StagePending, timeline.State())
	assert.Equal(t, 0, timeline.Attempt())
	assert.Len(t, transitionsFor(status, model.StageTimeline, stage.TriggerResumed), 1)

	require.NoError(t, f.coordinator.Drive(context.Background(), runID))
	final := f.status(t, runID)
	assert.Equal(t, model.RunSucceeded, final.Run.State())
	// Upstream stages kept their results; only timeline re-ran.
	assert.Equal(t, 1, f.gateways[model.StageResearch].Executions())
	assert.Equal(t, 2, f.gateways[model.StageTimeline].Executions())
}

func TestResume_RejectsNonWaitingRun(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t)

	err := f.coordinator.Resume(context.Background(), runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only waiting runs can be resumed")
}

func TestList_FiltersByState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.submit(t)
	second := f.submit(t)
	require.NoError(t, f.coordinator.Cancel(ctx, second))

	pending, err := f.coordinator.List(ctx, repository.RunFilter{
		States: []model.RunState{model.RunPending},
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first, pending[0].ID())

	all, err := f.coordinator.List(ctx, repository.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecoverStale_ParksOrphanedActiveRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Simulate a crashed coordinator: the run is active, its lease
	// expired, and nobody is driving it.
	runID := f.submit(t)
	r, err := f.coordinator.runs.Find(ctx, runID)
	require.NoError(t, err)
	require.NoError(t, r.Activate())
	require.NoError(t, f.coordinator.runs.Save(ctx, r))
	_, err = f.coordinator.leases.Acquire(ctx, runID, -time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.RecoverStale(ctx))

	status := f.status(t, runID)
	assert.Equal(t, model.RunWaiting, status.Run.State())

	handoffs := f.publisher.named(output.EventCaseHandoffRequired)
	require.Len(t, handoffs, 1)
	assert.Equal(t, "stale lease recovered", handoffs[0].Details["reason"])

	// The reaped lease no longer blocks a resume.
	require.NoError(t, f.coordinator.Resume(ctx, runID))
}

func TestResume_RecoversInterruptedActiveStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A coordinator crashed mid-ingestion: the run is active, the
	// invocation was persisted active, and the lease has expired.
	runID := f.submit(t)
	r, err := f.coordinator.runs.Find(ctx, runID)
	require.NoError(t, err)
	require.NoError(t, r.Activate())
	require.NoError(t, f.coordinator.runs.Save(ctx, r))

	inv, err := stage.NewInvocation(runID, model.StageIngestion)
	require.NoError(t, err)
	require.NoError(t, inv.Schedule())
	require.NoError(t, inv.Start())
	require.NoError(t, f.coordinator.invocations.Save(ctx, inv))

	_, err = f.coordinator.leases.Acquire(ctx, runID, -time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.RecoverStale(ctx))
	require.NoError(t, f.coordinator.Resume(ctx, runID))

	status := f.status(t, runID)
	ingestion := f.invocation(t, status, model.StageIngestion)
	assert.Equal(t, model.StagePending, ingestion.State())
	// The interrupted attempt never completed, so it was handed back.
	assert.Equal(t, 0, ingestion.Attempt())
	assert.Len(t, transitionsFor(status, model.StageIngestion, stage.TriggerRecovered), 1)

	require.NoError(t, f.coordinator.Drive(ctx, runID))
	final := f.status(t, runID)
	assert.Equal(t, model.RunSucceeded, final.Run.State())
	assert.Equal(t, 1, f.invocation(t, final, model.StageIngestion).Attempt())
}

func TestResume_PartialForensicsCrashKeepsSingleHandOffs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Everything up to and including document and financial forensics
	// finished before the crash; image forensics was mid-execution.
	runID := f.submit(t)
	r, err := f.coordinator.runs.Find(ctx, runID)
	require.NoError(t, err)
	require.NoError(t, r.Activate())
	require.NoError(t, f.coordinator.runs.Save(ctx, r))

	finished := []model.StageName{
		model.StageIngestion, model.StageGraphBuilder, model.StageResearch,
		model.StageTimeline, model.StageDocumentForensics, model.StageFinancialForensics,
	}
	for _, name := range finished {
		inv, err := stage.NewInvocation(runID, name)
		require.NoError(t, err)
		require.NoError(t, inv.Schedule())
		require.NoError(t, inv.Start())
		require.NoError(t, inv.Succeed())
		require.NoError(t, f.coordinator.invocations.Save(ctx, inv))
	}
	img, err := stage.NewInvocation(runID, model.StageImageForensics)
	require.NoError(t, err)
	require.NoError(t, img.Schedule())
	require.NoError(t, img.Start())
	require.NoError(t, f.coordinator.invocations.Save(ctx, img))

	// The first drive already recorded the fan-out hand-offs.
	snap, _, err := f.coordinator.memories.Load(ctx, runID)
	require.NoError(t, err)
	for _, name := range model.ForensicsStages() {
		snap.RecordHandOff(model.StageTimeline.InsightNamespace(), name.InsightNamespace(), "fan_out")
	}
	_, err = f.coordinator.memories.Save(ctx, runID, snap)
	require.NoError(t, err)

	_, err = f.coordinator.leases.Acquire(ctx, runID, -time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.RecoverStale(ctx))
	require.NoError(t, f.coordinator.Resume(ctx, runID))
	require.NoError(t, f.coordinator.Drive(ctx, runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunSucceeded, status.Run.State())
	assert.Equal(t, model.StageSucceeded, f.invocation(t, status, model.StageImageForensics).State())

	// Only the re-driven analyzer gets a second hand-off; the finished
	// ones keep exactly one.
	counts := map[string]int{}
	for _, h := range f.snapshot(t, runID).Telemetry.HandOffs {
		counts[h.To]++
	}
	assert.Equal(t, 1, counts[model.StageDocumentForensics.InsightNamespace()])
	assert.Equal(t, 1, counts[model.StageFinancialForensics.InsightNamespace()])
	assert.Equal(t, 2, counts[model.StageImageForensics.InsightNamespace()])

	// The finished analyzers were not re-executed.
	assert.Equal(t, 0, f.gateways[model.StageDocumentForensics].Executions())
	assert.Equal(t, 0, f.gateways[model.StageFinancialForensics].Executions())
	assert.Equal(t, 1, f.gateways[model.StageImageForensics].Executions())
}

func TestRecoverStale_IgnoresParkedRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	runID := f.submit(t)
	_, err := f.coordinator.leases.Acquire(ctx, runID, -time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.coordinator.RecoverStale(ctx))
	assert.Equal(t, model.RunPending, f.status(t, runID).Run.State())
	assert.Empty(t, f.publisher.named(output.EventCaseHandoffRequired))
}
