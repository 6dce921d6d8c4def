package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/memory"
	"github.com/veridex/veridex/internal/domain/model/run"
)

// NewIngestionMock simulates document ingestion: it emits a manifest
// insight and one document artifact reference per run.
func NewIngestionMock() *MockStageGateway {
	g := NewMockStageGateway(model.StageIngestion)
	g.ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		insight, _ := json.Marshal(map[string]any{
			"manifest": map[string]any{
				"case_id":   runCtx.CaseID.String(),
				"documents": 1,
			},
		})
		return &output.StageOutput{
			Insight: insight,
			Artifacts: []memory.ArtifactRef{
				{
					DocumentID: "doc-" + runCtx.RunID.String(),
					Artifact:   "document",
					PayloadRef: fmt.Sprintf("runs/%s/documents/doc-1", runCtx.RunID),
				},
			},
			Score:    0.95,
			Duration: time.Millisecond,
		}, nil
	}
	return g
}

// NewGraphBuilderMock simulates entity graph construction from the
// ingestion manifest upstream.
func NewGraphBuilderMock() *MockStageGateway {
	g := NewMockStageGateway(model.StageGraphBuilder)
	g.ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		if _, ok := input.Insights["ingestion"]; !ok {
			return nil, output.NewFatalError(model.StageGraphBuilder,
				fmt.Errorf("ingestion insight missing for run %s", runCtx.RunID))
		}
		insight, _ := json.Marshal(map[string]any{
			"entities": 4,
			"edges":    6,
		})
		return &output.StageOutput{
			Insight:  insight,
			Score:    0.9,
			Duration: time.Millisecond,
		}, nil
	}
	return g
}

// NewResearchMock simulates retrieval-backed research
func NewResearchMock() *MockStageGateway {
	g := NewMockStageGateway(model.StageResearch)
	g.ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		insight, _ := json.Marshal(map[string]any{
			"answer":    "no prior findings on record",
			"citations": []string{},
		})
		return &output.StageOutput{
			Insight:  insight,
			Score:    0.85,
			Duration: time.Millisecond,
		}, nil
	}
	return g
}

// NewTimelineMock simulates timeline assembly from graph and research
func NewTimelineMock() *MockStageGateway {
	g := NewMockStageGateway(model.StageTimeline)
	g.ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		insight, _ := json.Marshal(map[string]any{
			"events": []map[string]string{
				{"at": runCtx.CreatedAt.UTC().Format(time.RFC3339), "what": "case opened"},
			},
		})
		return &output.StageOutput{
			Insight:  insight,
			Score:    0.9,
			Duration: time.Millisecond,
		}, nil
	}
	return g
}

// NewDocumentForensicsMock simulates document authenticity analysis
func NewDocumentForensicsMock() *MockStageGateway {
	g := NewMockStageGateway(model.StageDocumentForensics)
	g.ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		insight, _ := json.Marshal(map[string]any{
			"tampering_detected": false,
			"confidence":         0.92,
		})
		return &output.StageOutput{
			Insight:  insight,
			Score:    0.92,
			Duration: time.Millisecond,
		}, nil
	}
	return g
}

// NewImageForensicsMock simulates the GPU analysis path being
// unavailable: the first attempt asks for the CPU fallback, and
// fallback attempts succeed with a degraded-quality result.
func NewImageForensicsMock() *MockStageGateway {
	g := NewMockStageGateway(model.StageImageForensics)
	g.ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		if !input.Fallback {
			return nil, output.NewDegradedError(model.StageImageForensics,
				fmt.Errorf("gpu pool unavailable"))
		}
		insight, _ := json.Marshal(map[string]any{
			"ela_performed": true,
			"engine":        "cpu",
		})
		return &output.StageOutput{
			Insight:  insight,
			Score:    0.7,
			Fallback: true,
			Duration: time.Millisecond,
		}, nil
	}
	return g
}

// NewFinancialForensicsMock simulates a ledger analyzer whose snapshot
// schema goes stale: the first attempt fails transiently, forcing a
// schema refresh before the retry succeeds.
func NewFinancialForensicsMock() *MockStageGateway {
	g := NewMockStageGateway(model.StageFinancialForensics)
	g.ExecuteFunc = func(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
		if input.Attempt == 1 {
			return nil, output.NewTransientError(model.StageFinancialForensics,
				fmt.Errorf("ledger snapshot schema stale, refresh required"))
		}
		insight, _ := json.Marshal(map[string]any{
			"anomalies": []string{},
			"schema":    "refreshed",
		})
		return &output.StageOutput{
			Insight:  insight,
			Score:    0.88,
			Duration: time.Millisecond,
		}, nil
	}
	return g
}
