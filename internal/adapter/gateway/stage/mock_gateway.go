package stage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/run"
)

// MockStageGateway is a scriptable in-process StageGateway. With no
// hooks set it succeeds immediately with a canned insight, which makes
// it usable as a development backend and as a test double.
type MockStageGateway struct {
	StageName model.StageName

	// Optional hooks override the default behaviors
	PreconditionFunc func(ctx context.Context, runCtx run.Context) error
	ExecuteFunc      func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error)
	CompensateFunc   func(ctx context.Context, runCtx run.Context) error

	mu          sync.Mutex
	executions  int
	compensated int
}

// NewMockStageGateway creates a mock gateway for the given stage
func NewMockStageGateway(name model.StageName) *MockStageGateway {
	return &MockStageGateway{StageName: name}
}

// Name returns the stage this gateway implements
func (g *MockStageGateway) Name() model.StageName {
	return g.StageName
}

// CheckPreconditions runs the scripted hook, defaulting to success
func (g *MockStageGateway) CheckPreconditions(ctx context.Context, runCtx run.Context) error {
	if g.PreconditionFunc != nil {
		return g.PreconditionFunc(ctx, runCtx)
	}
	return nil
}

// Execute runs the scripted hook or the canned default
func (g *MockStageGateway) Execute(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
	g.mu.Lock()
	g.executions++
	g.mu.Unlock()

	if g.ExecuteFunc != nil {
		return g.ExecuteFunc(ctx, runCtx, input)
	}
	insight, _ := json.Marshal(map[string]any{
		"stage":   g.StageName.String(),
		"case_id": runCtx.CaseID.String(),
		"mock":    true,
	})
	return &output.StageOutput{
		Insight:  insight,
		Score:    0.9,
		Duration: time.Millisecond,
	}, nil
}

// Compensate runs the scripted hook, defaulting to a no-op
func (g *MockStageGateway) Compensate(ctx context.Context, runCtx run.Context) error {
	g.mu.Lock()
	g.compensated++
	g.mu.Unlock()

	if g.CompensateFunc != nil {
		return g.CompensateFunc(ctx, runCtx)
	}
	return nil
}

// Executions reports how many times Execute was called
func (g *MockStageGateway) Executions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.executions
}

// Compensations reports how many times Compensate was called
func (g *MockStageGateway) Compensations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.compensated
}
