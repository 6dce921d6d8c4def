package output

import (
	"time"

	"github.com/veridex/veridex/internal/domain/model"
)

// EventName identifies a published pipeline event
type EventName string

const (
	EventIngestionCompleted    EventName = "ingestion.completed"
	EventGraphBuilderCompleted EventName = "graphbuilder.completed"
	EventResearchAnswerReady   EventName = "research.answer_ready"
	EventTimelinePublished     EventName = "timeline.published"
	EventDocumentReady         EventName = "forensics.document_ready"
	EventImageReady            EventName = "forensics.image_ready"
	EventFinancialReady        EventName = "forensics.financial_ready"
	EventCaseHandoffRequired   EventName = "case_handoff_required"
)

// CompletionEventFor maps a succeeded stage onto its published event
func CompletionEventFor(stage model.StageName) EventName {
	switch stage {
	case model.StageIngestion:
		return EventIngestionCompleted
	case model.StageGraphBuilder:
		return EventGraphBuilderCompleted
	case model.StageResearch:
		return EventResearchAnswerReady
	case model.StageTimeline:
		return EventTimelinePublished
	case model.StageDocumentForensics:
		return EventDocumentReady
	case model.StageImageForensics:
		return EventImageReady
	case model.StageFinancialForensics:
		return EventFinancialReady
	default:
		return ""
	}
}

// Event is the envelope delivered to ops tooling and audit consumers
type Event struct {
	EventID    string            `json:"event_id"`
	Name       EventName         `json:"name"`
	RunID      string            `json:"run_id"`
	Stage      string            `json:"stage,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	PayloadRef string            `json:"payload_ref,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// EventPublisher is the append-only sink for pipeline events
type EventPublisher interface {
	// Publish delivers an event. Publication must not block stage
	// execution; slow consumers lose events rather than stall runs.
	Publish(event Event)

	// Close flushes and releases the publisher
	Close() error
}
