package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/memory"
	"github.com/veridex/veridex/internal/domain/model/run"
)

// HTTPStageGateway implements StageGateway against a remote collaborator
// service that exposes the stage execution contract over HTTP.
type HTTPStageGateway struct {
	name       model.StageName
	baseURL    string
	httpClient *http.Client
}

// NewHTTPStageGateway creates a gateway for one stage backed by the
// collaborator service at baseURL.
func NewHTTPStageGateway(name model.StageName, baseURL string) *HTTPStageGateway {
	return &HTTPStageGateway{
		name:    name,
		baseURL: baseURL,
		httpClient: &http.Client{
			// Per-attempt deadlines come from the execution context;
			// this is a hard ceiling against a hung collaborator.
			Timeout: 5 * time.Minute,
		},
	}
}

// Name returns the stage this gateway implements
func (g *HTTPStageGateway) Name() model.StageName {
	return g.name
}

// CheckPreconditions verifies the collaborator is reachable and ready
// to serve this stage. Failure here is a configuration fault.
func (g *HTTPStageGateway) CheckPreconditions(ctx context.Context, runCtx run.Context) error {
	url := fmt.Sprintf("%s/v1/stages/%s/ready?case_id=%s", g.baseURL, g.name, runCtx.CaseID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create readiness request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s collaborator unreachable: %w", g.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s collaborator not ready: status %d", g.name, resp.StatusCode)
	}
	return nil
}

// Execute posts the stage request to the collaborator and classifies
// the outcome from the response.
func (g *HTTPStageGateway) Execute(ctx context.Context, runCtx run.Context, input output.StageInput) (*output.StageOutput, error) {
	start := time.Now()

	stageReq := stageRequest{
		RunID:    runCtx.RunID.String(),
		CaseID:   runCtx.CaseID.String(),
		Stage:    g.name.String(),
		Attempt:  input.Attempt,
		Fallback: input.Fallback,
		Plan:     input.Plan,
		Insights: input.Insights,
	}
	resp, err := g.callStage(ctx, stageReq)
	if err != nil {
		return nil, err
	}

	return &output.StageOutput{
		Insight:   resp.Insight,
		Artifacts: resp.Artifacts,
		Score:     resp.Score,
		Fallback:  resp.Fallback,
		Duration:  time.Since(start),
	}, nil
}

// Compensate asks the collaborator to discard partial work for this run
func (g *HTTPStageGateway) Compensate(ctx context.Context, runCtx run.Context) error {
	url := fmt.Sprintf("%s/v1/stages/%s/runs/%s", g.baseURL, g.name, runCtx.RunID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("create compensate request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("compensate %s: %w", g.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("compensate %s: status %d", g.name, resp.StatusCode)
	}
	return nil
}

// callStage makes the HTTP request and maps failures onto error classes
func (g *HTTPStageGateway) callStage(ctx context.Context, req stageRequest) (*stageResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, output.NewFatalError(g.name, fmt.Errorf("marshal request: %w", err))
	}

	url := fmt.Sprintf("%s/v1/stages/%s/execute", g.baseURL, g.name)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, output.NewFatalError(g.name, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		// Network failures are worth retrying
		return nil, output.NewTransientError(g.name, fmt.Errorf("execute request: %w", err))
	}
	defer httpResp.Body.Close()

	var stageResp stageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&stageResp); err != nil {
		return nil, output.NewFatalError(g.name, fmt.Errorf("decode response: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, g.classifyFailure(httpResp.StatusCode, &stageResp)
	}
	return &stageResp, nil
}

// classifyFailure maps a collaborator error response onto a StageError.
// The collaborator's own classification wins when present; otherwise
// throttling and server errors are transient, everything else fatal.
func (g *HTTPStageGateway) classifyFailure(status int, resp *stageResponse) error {
	cause := fmt.Errorf("%s collaborator error (%d): %s", g.name, status, resp.Error.Message)

	switch resp.Error.Classification {
	case string(output.Transient):
		if resp.Error.Degraded {
			return output.NewDegradedError(g.name, cause)
		}
		return output.NewTransientError(g.name, cause)
	case string(output.Fatal):
		return output.NewFatalError(g.name, cause)
	}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return output.NewTransientError(g.name, cause)
	case status >= 500:
		return output.NewTransientError(g.name, cause)
	default:
		return output.NewFatalError(g.name, cause)
	}
}

// Collaborator wire types
type stageRequest struct {
	RunID    string                     `json:"run_id"`
	CaseID   string                     `json:"case_id"`
	Stage    string                     `json:"stage"`
	Attempt  int                        `json:"attempt"`
	Fallback bool                       `json:"fallback"`
	Plan     memory.Plan                `json:"plan"`
	Insights map[string]json.RawMessage `json:"insights,omitempty"`
}

type stageResponse struct {
	Insight   json.RawMessage      `json:"insight,omitempty"`
	Artifacts []memory.ArtifactRef `json:"artifacts,omitempty"`
	Score     float64              `json:"score"`
	Fallback  bool                 `json:"fallback"`
	Error     stageErrorResp       `json:"error,omitempty"`
}

type stageErrorResp struct {
	Classification string `json:"classification"`
	Message        string `json:"message"`
	Degraded       bool   `json:"degraded"`
}
