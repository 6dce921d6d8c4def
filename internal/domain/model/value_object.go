package model

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"
)

// RunID represents a unique identifier for a pipeline run
type RunID struct {
	value string
}

// NewRunID generates a new RunID using ULID
// Format: ULID (e.g., 01JB6X8Y2K9FQR4T3VWHGP5M2C)
func NewRunID() RunID {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return RunID{value: ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()}
}

// NewRunIDFromString creates a RunID from an existing string
func NewRunIDFromString(id string) (RunID, error) {
	if id == "" {
		return RunID{}, errors.New("run ID cannot be empty")
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return RunID{}, fmt.Errorf("invalid run ID %q: %w", id, err)
	}
	return RunID{value: id}, nil
}

// String returns the string representation
func (r RunID) String() string {
	return r.value
}

// Equals checks if two RunIDs are equal
func (r RunID) Equals(other RunID) bool {
	return r.value == other.value
}

// CaseID identifies the case a run belongs to.
// The raw value is NFKC-normalized and lowercased so that snapshot paths
// and breaker scopes derived from it are stable across input encodings.
type CaseID struct {
	value string
}

// NewCaseID creates a CaseID from user input
func NewCaseID(raw string) (CaseID, error) {
	normalized := strings.ToLower(strings.TrimSpace(norm.NFKC.String(raw)))
	if normalized == "" {
		return CaseID{}, errors.New("case ID cannot be empty")
	}
	for _, r := range normalized {
		if !isCaseIDRune(r) {
			return CaseID{}, fmt.Errorf("case ID contains invalid character %q", r)
		}
	}
	return CaseID{value: normalized}, nil
}

func isCaseIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.':
		return true
	}
	return false
}

// String returns the string representation
func (c CaseID) String() string {
	return c.value
}

// Equals checks if two CaseIDs are equal
func (c CaseID) Equals(other CaseID) bool {
	return c.value == other.value
}

// StageName identifies one node in the fixed pipeline
type StageName string

const (
	StageIngestion          StageName = "ingestion"
	StageGraphBuilder       StageName = "graphbuilder"
	StageResearch           StageName = "research"
	StageTimeline           StageName = "timeline"
	StageDocumentForensics  StageName = "forensics_document"
	StageImageForensics     StageName = "forensics_image"
	StageFinancialForensics StageName = "forensics_financial"
)

// String returns the string representation
func (s StageName) String() string {
	return string(s)
}

// IsValid validates the stage name
func (s StageName) IsValid() bool {
	switch s {
	case StageIngestion, StageGraphBuilder, StageResearch, StageTimeline,
		StageDocumentForensics, StageImageForensics, StageFinancialForensics:
		return true
	default:
		return false
	}
}

// InsightNamespace returns the stage's namespace within the run
// memory's insights document. Research publishes under "retrieval"
// and GraphBuilder under "graph", matching what downstream consumers
// read; the remaining stages use their own names.
func (s StageName) InsightNamespace() string {
	switch s {
	case StageResearch:
		return "retrieval"
	case StageGraphBuilder:
		return "graph"
	default:
		return string(s)
	}
}

// IsForensics reports whether the stage belongs to the fan-out set
func (s StageName) IsForensics() bool {
	switch s {
	case StageDocumentForensics, StageImageForensics, StageFinancialForensics:
		return true
	default:
		return false
	}
}

// PipelineChain is the linear prefix of the pipeline, in execution order
func PipelineChain() []StageName {
	return []StageName{StageIngestion, StageGraphBuilder, StageResearch, StageTimeline}
}

// ForensicsStages is the fan-out set scheduled after Timeline succeeds
func ForensicsStages() []StageName {
	return []StageName{StageDocumentForensics, StageImageForensics, StageFinancialForensics}
}

// AllStages returns every stage in scheduling order
func AllStages() []StageName {
	return append(PipelineChain(), ForensicsStages()...)
}

// StageState represents the current state of a stage invocation
type StageState string

const (
	StageIdle       StageState = "idle"
	StagePending    StageState = "pending"
	StageActive     StageState = "active"
	StageSucceeded  StageState = "succeeded"
	StageSoftFailed StageState = "soft_failed"
	StageHardFailed StageState = "hard_failed"
	StageCancelled  StageState = "cancelled"
)

// String returns the string representation
func (s StageState) String() string {
	return string(s)
}

// IsValid validates the stage state
func (s StageState) IsValid() bool {
	switch s {
	case StageIdle, StagePending, StageActive, StageSucceeded,
		StageSoftFailed, StageHardFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further automatic transitions are possible
func (s StageState) IsTerminal() bool {
	switch s {
	case StageSucceeded, StageHardFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if a stage state transition is valid.
// soft_failed re-enters pending (retry) or escalates to hard_failed
// (budget exhausted). Cancellation is reachable from every non-terminal
// state.
func (s StageState) CanTransitionTo(next StageState) bool {
	if next == StageCancelled {
		return !s.IsTerminal()
	}

	validTransitions := map[StageState][]StageState{
		StageIdle:       {StagePending, StageHardFailed},
		StagePending:    {StageActive, StageHardFailed},
		StageActive:     {StageSucceeded, StageSoftFailed, StageHardFailed},
		StageSoftFailed: {StagePending, StageHardFailed},
		StageSucceeded:  {},
		StageHardFailed: {StagePending}, // rescheduled on human-approved resume
		StageCancelled:  {},
	}

	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}

// RunState represents the overall state of a run
type RunState string

const (
	RunIdle      RunState = "idle"
	RunPending   RunState = "pending"
	RunActive    RunState = "active"
	RunWaiting   RunState = "waiting"
	RunSucceeded RunState = "succeeded"
	RunCancelled RunState = "cancelled"
)

// String returns the string representation
func (s RunState) String() string {
	return string(s)
}

// IsValid validates the run state
func (s RunState) IsValid() bool {
	switch s {
	case RunIdle, RunPending, RunActive, RunWaiting, RunSucceeded, RunCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the run has finished
func (s RunState) IsTerminal() bool {
	return s == RunSucceeded || s == RunCancelled
}

// CanTransitionTo checks if a run state transition is valid.
// Cancellation is reachable from every non-terminal state; Submit
// persists the record before the pending transition, so a crash can
// strand an idle run that cancel must still clean up.
func (s RunState) CanTransitionTo(next RunState) bool {
	validTransitions := map[RunState][]RunState{
		RunIdle:      {RunPending, RunCancelled},
		RunPending:   {RunActive, RunCancelled},
		RunActive:    {RunSucceeded, RunWaiting, RunCancelled},
		RunWaiting:   {RunActive, RunCancelled},
		RunSucceeded: {},
		RunCancelled: {},
	}

	allowed, exists := validTransitions[s]
	if !exists {
		return false
	}
	for _, state := range allowed {
		if state == next {
			return true
		}
	}
	return false
}
