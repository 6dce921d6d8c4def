// Package memory defines the shared run state document. Stages never
// mutate it directly: they return results that the Coordinator merges
// under the stage's own namespace and persists after every transition.
package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Plan captures the run's objective and ordered steps
type Plan struct {
	Objective string   `json:"objective"`
	Steps     []string `json:"steps"`
}

// ArtifactRef points at one produced artifact. Payload bytes live in
// the storage gateway; the document only carries the reference.
type ArtifactRef struct {
	DocumentID string `json:"document_id"`
	Artifact   string `json:"artifact"`
	PayloadRef string `json:"payload_ref,omitempty"`
}

// QA aggregates per-stage quality scores
type QA struct {
	Average float64            `json:"average"`
	Scores  map[string]float64 `json:"scores,omitempty"`
}

// Turn is one entry of the run's turn log
type Turn struct {
	Role    string             `json:"role"`
	Action  string             `json:"action"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// HandOff records a transfer of control between stages
type HandOff struct {
	From string `json:"from"`
	To   string `json:"to"`
	Via  string `json:"via"`
}

// Telemetry is the run's aggregated retry/hand-off summary
type Telemetry struct {
	HandOffs  []HandOff `json:"hand_offs"`
	Retries   int       `json:"retries"`
	BackoffMs int64     `json:"backoff_ms"`
}

// Snapshot is the versioned document persisted per run. It must be
// valid JSON-serializable state at every write.
type Snapshot struct {
	Plan      Plan                       `json:"plan"`
	Insights  map[string]json.RawMessage `json:"insights"`
	Artifacts struct {
		Artifacts []ArtifactRef `json:"artifacts"`
	} `json:"artifacts"`
	QA        QA        `json:"qa"`
	Turns     []Turn    `json:"turns"`
	Telemetry Telemetry `json:"telemetry"`
}

// NewSnapshot creates an empty snapshot for a fresh run
func NewSnapshot(objective string, steps []string) *Snapshot {
	return &Snapshot{
		Plan:     Plan{Objective: objective, Steps: steps},
		Insights: make(map[string]json.RawMessage),
		QA:       QA{Scores: make(map[string]float64)},
		Turns:    []Turn{},
		Telemetry: Telemetry{
			HandOffs: []HandOff{},
		},
	}
}

// FromJSON rebuilds a snapshot from its persisted form
func FromJSON(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Insights == nil {
		s.Insights = make(map[string]json.RawMessage)
	}
	return &s, nil
}

// ToJSON serializes the snapshot
func (s *Snapshot) ToJSON() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// MergeInsight writes a stage's result into its own namespace.
// A stage namespace is only ever written on stage success, so readers
// never observe another stage's in-progress data.
func (s *Snapshot) MergeInsight(namespace string, insight json.RawMessage) error {
	if namespace == "" {
		return fmt.Errorf("insight namespace cannot be empty")
	}
	if len(insight) == 0 {
		return nil
	}
	if !json.Valid(insight) {
		return fmt.Errorf("insight for %s is not valid JSON", namespace)
	}
	s.Insights[namespace] = insight
	return nil
}

// DropInsight removes a stage's namespace; used by cancellation
// compensation to roll back partial writes.
func (s *Snapshot) DropInsight(namespace string) {
	delete(s.Insights, namespace)
}

// CloneInsights returns a deep copy of the insights document. Stage
// inputs are built from the copy so concurrent analyzers read a stable
// view while siblings merge their results into the live map.
func (s *Snapshot) CloneInsights() map[string]json.RawMessage {
	clone := make(map[string]json.RawMessage, len(s.Insights))
	for namespace, insight := range s.Insights {
		clone[namespace] = append(json.RawMessage(nil), insight...)
	}
	return clone
}

// AddArtifacts appends artifact references
func (s *Snapshot) AddArtifacts(refs []ArtifactRef) {
	s.Artifacts.Artifacts = append(s.Artifacts.Artifacts, refs...)
}

// RecordScore records a per-stage QA score and refreshes the average
func (s *Snapshot) RecordScore(stage string, score float64) {
	if s.QA.Scores == nil {
		s.QA.Scores = make(map[string]float64)
	}
	s.QA.Scores[stage] = score

	total := 0.0
	for _, v := range s.QA.Scores {
		total += v
	}
	s.QA.Average = total / float64(len(s.QA.Scores))
}

// AppendTurn appends one turn-log entry
func (s *Snapshot) AppendTurn(role, action string, metrics map[string]float64) {
	s.Turns = append(s.Turns, Turn{Role: role, Action: action, Metrics: metrics})
}

// RecordHandOff appends a hand-off to the telemetry summary
func (s *Snapshot) RecordHandOff(from, to, via string) {
	s.Telemetry.HandOffs = append(s.Telemetry.HandOffs, HandOff{From: from, To: to, Via: via})
}

// RecordRetry accumulates a retry and its backoff into the summary
func (s *Snapshot) RecordRetry(backoff time.Duration) {
	s.Telemetry.Retries++
	s.Telemetry.BackoffMs += backoff.Milliseconds()
}
