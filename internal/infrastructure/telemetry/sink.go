package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/domain/model"
)

const instrumentationName = "github.com/veridex/veridex"

// Sink emits orchestration telemetry through the global OpenTelemetry
// providers. All counter errors are swallowed; telemetry must never
// alter an orchestration outcome.
type Sink struct {
	tracer      trace.Tracer
	retries     metric.Int64Counter
	transitions metric.Int64Counter
	handoffs    metric.Int64Counter
	backoff     metric.Float64Histogram
}

// NewSink builds a Sink on the global tracer and meter providers.
// Call Init first; with no providers configured the instruments are no-ops.
func NewSink() (*Sink, error) {
	meter := otel.Meter(instrumentationName)

	retries, err := meter.Int64Counter("orchestrator.stage.retries",
		metric.WithDescription("Scheduled stage retries"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("orchestrator.stage.transitions",
		metric.WithDescription("Stage state transitions"))
	if err != nil {
		return nil, err
	}
	handoffs, err := meter.Int64Counter("orchestrator.stage.handoffs",
		metric.WithDescription("Human escalations raised"))
	if err != nil {
		return nil, err
	}
	backoff, err := meter.Float64Histogram("orchestrator.stage.backoff_seconds",
		metric.WithDescription("Backoff delays before retries"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Sink{
		tracer:      otel.Tracer(instrumentationName),
		retries:     retries,
		transitions: transitions,
		handoffs:    handoffs,
		backoff:     backoff,
	}, nil
}

var _ output.TelemetrySink = (*Sink)(nil)

func (s *Sink) StageSpan(ctx context.Context, runID model.RunID, stage model.StageName, attempt int) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "stage."+stage.String(),
		trace.WithAttributes(
			attribute.String("run.id", runID.String()),
			attribute.String("stage.name", stage.String()),
			attribute.Int("stage.attempt", attempt),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

func (s *Sink) CountRetry(ctx context.Context, stage model.StageName, backoff time.Duration) {
	attrs := metric.WithAttributes(attribute.String("stage.name", stage.String()))
	s.retries.Add(ctx, 1, attrs)
	s.backoff.Record(ctx, backoff.Seconds(), attrs)
}

func (s *Sink) CountTransition(ctx context.Context, stage model.StageName, from, to string) {
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage.name", stage.String()),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (s *Sink) CountHandoff(ctx context.Context, stage model.StageName) {
	s.handoffs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage.name", stage.String()),
	))
}
