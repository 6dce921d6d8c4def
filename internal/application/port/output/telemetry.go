package output

import (
	"context"
	"time"

	"github.com/veridex/veridex/internal/domain/model"
)

// TelemetrySink receives spans and counters keyed by run and stage.
// Emission is fire-and-forget: a failing sink never affects the
// orchestration outcome.
type TelemetrySink interface {
	// StageSpan opens a span for one stage attempt. The returned
	// function closes the span with the attempt's outcome.
	StageSpan(ctx context.Context, runID model.RunID, stage model.StageName, attempt int) (context.Context, func(err error))

	// CountRetry records one scheduled retry and its backoff
	CountRetry(ctx context.Context, stage model.StageName, backoff time.Duration)

	// CountTransition records one state transition
	CountTransition(ctx context.Context, stage model.StageName, from, to string)

	// CountHandoff records a human escalation
	CountHandoff(ctx context.Context, stage model.StageName)
}

// nopTelemetry discards all emissions
type nopTelemetry struct{}

func (nopTelemetry) StageSpan(ctx context.Context, _ model.RunID, _ model.StageName, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (nopTelemetry) CountRetry(context.Context, model.StageName, time.Duration)       {}
func (nopTelemetry) CountTransition(context.Context, model.StageName, string, string) {}
func (nopTelemetry) CountHandoff(context.Context, model.StageName)                    {}

// NopTelemetry returns a sink that drops everything
func NopTelemetry() TelemetrySink {
	return nopTelemetry{}
}
