package orchestration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gatewaystage "github.com/veridex/veridex/internal/adapter/gateway/stage"
	"github.com/veridex/veridex/internal/adapter/gateway/storage"
	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/breaker"
	"github.com/veridex/veridex/internal/domain/model/memory"
	"github.com/veridex/veridex/internal/domain/model/run"
	"github.com/veridex/veridex/internal/domain/model/stage"
	"github.com/veridex/veridex/internal/domain/service/retry"
	"github.com/veridex/veridex/internal/infrastructure/persistence/sqlite"
)

// capturePublisher records published events for assertions
type capturePublisher struct {
	mu     sync.Mutex
	events []output.Event
}

func (p *capturePublisher) Publish(event output.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) named(name output.EventName) []output.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []output.Event
	for _, e := range p.events {
		if e.Name == name {
			matched = append(matched, e)
		}
	}
	return matched
}

// fixture wires a coordinator over a real database with scriptable
// stage gateways and no real delays.
type fixture struct {
	coordinator *Coordinator
	gateways    map[model.StageName]*gatewaystage.MockStageGateway
	publisher   *capturePublisher
	storage     *storage.MockStorageGateway
	db          *sql.DB
}

type fixtureOption func(*Config)

func withBreakers(registry *breaker.Registry) fixtureOption {
	return func(cfg *Config) { cfg.Breakers = registry }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "orchestration-test.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.NewMigrator(db).Migrate())

	mocks := make(map[model.StageName]*gatewaystage.MockStageGateway, len(model.AllStages()))
	gateways := make(map[model.StageName]output.StageGateway, len(model.AllStages()))
	for _, name := range model.AllStages() {
		g := gatewaystage.NewMockStageGateway(name)
		mocks[name] = g
		gateways[name] = g
	}

	publisher := &capturePublisher{}
	store := storage.NewMockStorageGateway()

	cfg := Config{
		Runs:        sqlite.NewRunRepository(db),
		Invocations: sqlite.NewInvocationRepository(db),
		Transitions: sqlite.NewTransitionRepository(db),
		Memories:    sqlite.NewMemoryRepository(db),
		Leases:      sqlite.NewLeaseRepository(db),
		Gateways:    gateways,
		Publisher:   publisher,
		Storage:     store,
		Policy:      retry.NewSeeded(1),
		LeaseTTL:    time.Minute,
		// Backoff and cooldown waits are capped so tests drive the same
		// paths without wall-clock delays.
		Sleep: func(ctx context.Context, cancel <-chan struct{}, d time.Duration) error {
			if d > 5*time.Millisecond {
				d = 5 * time.Millisecond
			}
			return defaultSleep(ctx, cancel, d)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	coordinator, err := NewCoordinator(cfg)
	require.NoError(t, err)

	return &fixture{
		coordinator: coordinator,
		gateways:    mocks,
		publisher:   publisher,
		storage:     store,
		db:          db,
	}
}

func (f *fixture) submit(t *testing.T) model.RunID {
	t.Helper()
	caseID, err := model.NewCaseID("fraud-case-42")
	require.NoError(t, err)
	runID, err := f.coordinator.Submit(context.Background(), caseID, "analyst-7", "trace shell companies")
	require.NoError(t, err)
	return runID
}

func (f *fixture) status(t *testing.T, runID model.RunID) *Status {
	t.Helper()
	status, err := f.coordinator.Status(context.Background(), runID)
	require.NoError(t, err)
	return status
}

func (f *fixture) snapshot(t *testing.T, runID model.RunID) *memory.Snapshot {
	t.Helper()
	snap, _, err := sqlite.NewMemoryRepository(f.db).Load(context.Background(), runID)
	require.NoError(t, err)
	return snap
}

func (f *fixture) invocation(t *testing.T, status *Status, name model.StageName) *stage.Invocation {
	t.Helper()
	for _, inv := range status.Invocations {
		if inv.Name() == name {
			return inv
		}
	}
	t.Fatalf("no invocation for stage %s", name)
	return nil
}

func transitionsFor(status *Status, name model.StageName, trigger string) []stage.Transition {
	var matched []stage.Transition
	for _, tr := range status.Transitions {
		if tr.Stage == name && tr.Trigger == trigger {
			matched = append(matched, tr)
		}
	}
	return matched
}

func TestSubmit_PersistsPendingRun(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t)

	status := f.status(t, runID)
	assert.Equal(t, model.RunPending, status.Run.State())
	assert.Empty(t, status.Invocations)

	snap := f.snapshot(t, runID)
	assert.Equal(t, "trace shell companies", snap.Plan.Objective)
	assert.Len(t, snap.Plan.Steps, 7)
}

func TestDrive_FullPipelineSucceeds(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t)

	require.NoError(t, f.coordinator.Drive(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunSucceeded, status.Run.State())
	assert.False(t, status.Run.CoverageDegraded())
	require.Len(t, status.Invocations, 7)
	for _, inv := range status.Invocations {
		assert.Equal(t, model.StageSucceeded, inv.State(), "stage %s", inv.Name())
		assert.Equal(t, 1, inv.Attempt(), "stage %s", inv.Name())
	}

	// Every stage published its completion event.
	for _, name := range model.AllStages() {
		assert.Len(t, f.publisher.named(output.CompletionEventFor(name)), 1, "stage %s", name)
	}

	// Research's result lives under the retrieval namespace.
	snap := f.snapshot(t, runID)
	assert.Contains(t, snap.Insights, "retrieval")
	assert.Contains(t, snap.Insights, "graph")

	// The terminal snapshot was archived.
	assert.Equal(t, 1, f.storage.ArtifactCount())
}

func TestDrive_TransientFailuresRetryThenSucceed(t *testing.T) {
	f := newFixture(t)

	// Ingestion fails transiently twice, then succeeds on the third try.
	var mu sync.Mutex
	calls := 0
	f.gateways[model.StageIngestion].ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			return nil, output.NewTransientError(model.StageIngestion, fmt.Errorf("upstream 503"))
		}
		return &output.StageOutput{Insight: json.RawMessage(`{"documents":1}`), Score: 0.9}, nil
	}

	runID := f.submit(t)
	require.NoError(t, f.coordinator.Drive(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunSucceeded, status.Run.State())

	inv := f.invocation(t, status, model.StageIngestion)
	assert.Equal(t, model.StageSucceeded, inv.State())
	assert.Equal(t, 3, inv.Attempt())

	// Two backoff transitions were journaled for the two retries.
	assert.Len(t, transitionsFor(status, model.StageIngestion, stage.TriggerRetryBackoff), 2)

	snap := f.snapshot(t, runID)
	assert.Equal(t, 2, snap.Telemetry.Retries)
	retryTurns := 0
	for _, turn := range snap.Turns {
		if turn.Role == "ingestion" && turn.Action == "retry_scheduled" {
			retryTurns++
		}
	}
	assert.Equal(t, 2, retryTurns)
}

func TestDrive_FatalFailureParksRunForTriage(t *testing.T) {
	f := newFixture(t)

	f.gateways[model.StageGraphBuilder].ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		return nil, output.NewFatalError(model.StageGraphBuilder, fmt.Errorf("entity schema rejected"))
	}

	runID := f.submit(t)
	require.NoError(t, f.coordinator.Drive(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunWaiting, status.Run.State())

	inv := f.invocation(t, status, model.StageGraphBuilder)
	assert.Equal(t, model.StageHardFailed, inv.State())
	// Fatal errors are never retried.
	assert.Equal(t, 1, inv.Attempt())
	assert.Equal(t, 1, f.gateways[model.StageGraphBuilder].Executions())
	assert.Contains(t, inv.LastError(), "entity schema rejected")

	// Nothing downstream was scheduled.
	assert.Len(t, status.Invocations, 2)

	handoffs := f.publisher.named(output.EventCaseHandoffRequired)
	require.Len(t, handoffs, 1)
	assert.Equal(t, "graphbuilder", handoffs[0].Stage)
	assert.Equal(t, "fraud-case-42", handoffs[0].Details["case_id"])
	assert.Contains(t, handoffs[0].Details["last_error"], "entity schema rejected")
}

func TestDrive_BudgetExhaustionEscalates(t *testing.T) {
	f := newFixture(t)

	// GraphBuilder allows two attempts; both fail transiently.
	f.gateways[model.StageGraphBuilder].ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		return nil, output.NewTransientError(model.StageGraphBuilder, fmt.Errorf("graph store timeout"))
	}

	runID := f.submit(t)
	require.NoError(t, f.coordinator.Drive(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunWaiting, status.Run.State())

	inv := f.invocation(t, status, model.StageGraphBuilder)
	assert.Equal(t, model.StageHardFailed, inv.State())
	assert.Equal(t, 2, inv.Attempt())
	assert.Len(t, transitionsFor(status, model.StageGraphBuilder, stage.TriggerBudgetExhausted), 1)
	assert.Len(t, f.publisher.named(output.EventCaseHandoffRequired), 1)
}

func TestDrive_ForensicsFallbackKeepsFullCoverage(t *testing.T) {
	f := newFixture(t)

	// The image analyzer's GPU pool is down: the first attempt requests
	// the CPU fallback, which then succeeds. Document and financial
	// forensics run concurrently and succeed directly.
	f.gateways[model.StageImageForensics].ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		if !input.Fallback {
			return nil, output.NewDegradedError(model.StageImageForensics, fmt.Errorf("gpu pool unavailable"))
		}
		return &output.StageOutput{Insight: json.RawMessage(`{"engine":"cpu"}`), Score: 0.7, Fallback: true}, nil
	}

	runID := f.submit(t)
	require.NoError(t, f.coordinator.Drive(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunSucceeded, status.Run.State())
	// The fallback kept coverage intact.
	assert.False(t, status.Run.CoverageDegraded())

	img := f.invocation(t, status, model.StageImageForensics)
	assert.Equal(t, model.StageSucceeded, img.State())
	assert.Equal(t, 2, img.Attempt())
	assert.True(t, img.OnFallback())

	for _, name := range model.ForensicsStages() {
		assert.Len(t, f.publisher.named(output.CompletionEventFor(name)), 1, "stage %s", name)
	}
}

func TestDrive_ForensicsInputsAreIsolatedCopies(t *testing.T) {
	f := newFixture(t)

	// Each analyzer trashes the insight document it was handed while its
	// siblings are merging results concurrently. The inputs are copies,
	// so the run memory must come through untouched.
	for _, name := range model.ForensicsStages() {
		f.gateways[name].ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
			for namespace := range input.Insights {
				for i := range input.Insights[namespace] {
					input.Insights[namespace][i] = 'x'
				}
				delete(input.Insights, namespace)
			}
			return &output.StageOutput{
				Insight: json.RawMessage(fmt.Sprintf(`{"analyzer":%q}`, name)),
				Score:   0.9,
			}, nil
		}
	}

	runID := f.submit(t)
	require.NoError(t, f.coordinator.Drive(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunSucceeded, status.Run.State())

	snap := f.snapshot(t, runID)
	for _, namespace := range []string{"ingestion", "graph", "retrieval", "timeline"} {
		require.Contains(t, snap.Insights, namespace)
		assert.True(t, json.Valid(snap.Insights[namespace]), "namespace %s", namespace)
	}
	for _, name := range model.ForensicsStages() {
		require.Contains(t, snap.Insights, name.InsightNamespace())
		assert.True(t, json.Valid(snap.Insights[name.InsightNamespace()]), "namespace %s", name)
	}
}

func TestDrive_AnalyzerHardFailureDegradesCoverage(t *testing.T) {
	f := newFixture(t)

	f.gateways[model.StageDocumentForensics].ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		return nil, output.NewFatalError(model.StageDocumentForensics, fmt.Errorf("corrupt source archive"))
	}

	runID := f.submit(t)
	require.NoError(t, f.coordinator.Drive(context.Background(), runID))

	status := f.status(t, runID)
	// One analyzer failing degrades coverage but does not block success.
	assert.Equal(t, model.RunSucceeded, status.Run.State())
	assert.True(t, status.Run.CoverageDegraded())

	doc := f.invocation(t, status, model.StageDocumentForensics)
	assert.Equal(t, model.StageHardFailed, doc.State())
	assert.Len(t, f.publisher.named(output.EventCaseHandoffRequired), 1)
}

func TestDrive_AllAnalyzersFailingParksRun(t *testing.T) {
	f := newFixture(t)

	for _, name := range model.ForensicsStages() {
		f.gateways[name].ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
			return nil, output.NewFatalError(name, fmt.Errorf("analyzer offline"))
		}
	}

	runID := f.submit(t)
	require.NoError(t, f.coordinator.Drive(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunWaiting, status.Run.State())
	assert.Len(t, f.publisher.named(output.EventCaseHandoffRequired), 3)
}

func TestDrive_PreconditionFailureIsNeverRetried(t *testing.T) {
	f := newFixture(t)

	f.gateways[model.StageIngestion].PreconditionFunc = func(ctx context.Context, runCtx run.Context) error {
		return fmt.Errorf("case manifest missing")
	}

	runID := f.submit(t)
	require.NoError(t, f.coordinator.Drive(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunWaiting, status.Run.State())

	inv := f.invocation(t, status, model.StageIngestion)
	assert.Equal(t, model.StageHardFailed, inv.State())
	assert.Equal(t, 0, inv.Attempt())
	assert.Equal(t, 0, f.gateways[model.StageIngestion].Executions())
	assert.Contains(t, inv.LastError(), "case manifest missing")
}

func TestDrive_OpenBreakerDefersStage(t *testing.T) {
	registry := breaker.NewRegistry(breaker.Settings{
		WindowSize: 20,
		MinSamples: 5,
		Threshold:  0.5,
		Cooldown:   50 * time.Millisecond,
	})
	f := newFixture(t, withBreakers(registry))

	// Five failures from unrelated runs have tripped the shared
	// research breaker before this run starts.
	research := registry.For(model.StageResearch.String())
	for i := 0; i < 5; i++ {
		research.RecordFailure()
	}
	require.Equal(t, breaker.Open, research.State())

	runID := f.submit(t)
	require.NoError(t, f.coordinator.Drive(context.Background(), runID))

	status := f.status(t, runID)
	assert.Equal(t, model.RunSucceeded, status.Run.State())

	// The stage sat pending through at least one deferral, then ran as
	// the half_open trial and closed the breaker.
	deferred := transitionsFor(status, model.StageResearch, stage.TriggerBreakerDeferred)
	assert.NotEmpty(t, deferred)
	for _, tr := range deferred {
		assert.Equal(t, "pending", tr.FromState)
		assert.Equal(t, "pending", tr.ToState)
	}
	assert.Equal(t, model.StageSucceeded, f.invocation(t, status, model.StageResearch).State())
	assert.Equal(t, breaker.Closed, research.State())
}

func TestDrive_LeaseBlocksConcurrentDrivers(t *testing.T) {
	f := newFixture(t)
	runID := f.submit(t)

	release := make(chan struct{})
	started := make(chan struct{})
	f.gateways[model.StageIngestion].ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		close(started)
		<-release
		return &output.StageOutput{Insight: json.RawMessage(`{}`), Score: 0.9}, nil
	}

	driveErr := make(chan error, 1)
	go func() { driveErr <- f.coordinator.Drive(context.Background(), runID) }()
	<-started

	err := f.coordinator.Drive(context.Background(), runID)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	close(release)
	require.NoError(t, <-driveErr)
}
