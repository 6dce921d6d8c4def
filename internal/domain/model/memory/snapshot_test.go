package memory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshot(t *testing.T) {
	s := NewSnapshot("trace shell companies", []string{"ingest", "analyze"})

	assert.Equal(t, "trace shell companies", s.Plan.Objective)
	assert.Len(t, s.Plan.Steps, 2)
	assert.NotNil(t, s.Insights)
	assert.Empty(t, s.Turns)
	assert.Zero(t, s.Telemetry.Retries)
}

func TestSnapshot_JSONRoundTrip(t *testing.T) {
	s := NewSnapshot("objective", nil)
	require.NoError(t, s.MergeInsight("retrieval", json.RawMessage(`{"hits":3}`)))
	s.AddArtifacts([]ArtifactRef{{DocumentID: "doc-1", Artifact: "ingestion", PayloadRef: "artifacts/run/doc-1"}})
	s.RecordScore("ingestion", 0.8)
	s.AppendTurn("coordinator", "stage_started", map[string]float64{"attempt": 1})
	s.RecordHandOff("ingestion", "graphbuilder", "chain")
	s.RecordRetry(15 * time.Second)

	data, err := s.ToJSON()
	require.NoError(t, err)
	assert.True(t, json.Valid(data))

	restored, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, s.Plan, restored.Plan)
	assert.JSONEq(t, `{"hits":3}`, string(restored.Insights["retrieval"]))
	assert.Equal(t, s.Artifacts.Artifacts, restored.Artifacts.Artifacts)
	assert.Equal(t, 0.8, restored.QA.Scores["ingestion"])
	assert.Len(t, restored.Turns, 1)
	assert.Equal(t, 1, restored.Telemetry.Retries)
	assert.Equal(t, int64(15000), restored.Telemetry.BackoffMs)
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := FromJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestFromJSON_NilInsights(t *testing.T) {
	s, err := FromJSON([]byte(`{"plan":{"objective":"x"}}`))
	require.NoError(t, err)
	require.NotNil(t, s.Insights)
	assert.NoError(t, s.MergeInsight("graph", json.RawMessage(`{}`)))
}

func TestSnapshot_MergeInsight(t *testing.T) {
	s := NewSnapshot("objective", nil)

	require.NoError(t, s.MergeInsight("retrieval", json.RawMessage(`{"a":1}`)))
	// A later success for the same namespace replaces the earlier insight.
	require.NoError(t, s.MergeInsight("retrieval", json.RawMessage(`{"a":2}`)))
	assert.JSONEq(t, `{"a":2}`, string(s.Insights["retrieval"]))

	assert.Error(t, s.MergeInsight("", json.RawMessage(`{}`)))
	assert.Error(t, s.MergeInsight("graph", json.RawMessage(`{broken`)))

	// An empty result is a no-op, not an error.
	require.NoError(t, s.MergeInsight("graph", nil))
	_, ok := s.Insights["graph"]
	assert.False(t, ok)
}

func TestSnapshot_DropInsight(t *testing.T) {
	s := NewSnapshot("objective", nil)
	require.NoError(t, s.MergeInsight("retrieval", json.RawMessage(`{"a":1}`)))

	s.DropInsight("retrieval")
	_, ok := s.Insights["retrieval"]
	assert.False(t, ok)

	// Dropping an absent namespace is harmless.
	s.DropInsight("graph")
}

func TestSnapshot_CloneInsights(t *testing.T) {
	s := NewSnapshot("objective", nil)
	require.NoError(t, s.MergeInsight("retrieval", json.RawMessage(`{"a":1}`)))
	require.NoError(t, s.MergeInsight("graph", json.RawMessage(`{"n":2}`)))

	clone := s.CloneInsights()
	require.Len(t, clone, 2)

	// Mutating the clone, both the map and the payload bytes, must not
	// be visible through the live snapshot.
	clone["extra"] = json.RawMessage(`{}`)
	delete(clone, "graph")
	clone["retrieval"][1] = 'x'

	assert.Len(t, s.Insights, 2)
	assert.JSONEq(t, `{"a":1}`, string(s.Insights["retrieval"]))
	assert.JSONEq(t, `{"n":2}`, string(s.Insights["graph"]))

	// And merges into the live snapshot stay invisible to the clone.
	require.NoError(t, s.MergeInsight("timeline", json.RawMessage(`{"events":4}`)))
	_, ok := clone["timeline"]
	assert.False(t, ok)
}

func TestSnapshot_RecordScore(t *testing.T) {
	s := NewSnapshot("objective", nil)

	s.RecordScore("ingestion", 0.6)
	assert.Equal(t, 0.6, s.QA.Average)

	s.RecordScore("research", 1.0)
	assert.InDelta(t, 0.8, s.QA.Average, 1e-9)

	// Re-scoring a stage replaces its entry rather than adding one.
	s.RecordScore("ingestion", 1.0)
	assert.InDelta(t, 1.0, s.QA.Average, 1e-9)
	assert.Len(t, s.QA.Scores, 2)
}

func TestSnapshot_RecordRetry(t *testing.T) {
	s := NewSnapshot("objective", nil)

	s.RecordRetry(15 * time.Second)
	s.RecordRetry(30 * time.Second)
	assert.Equal(t, 2, s.Telemetry.Retries)
	assert.Equal(t, int64(45000), s.Telemetry.BackoffMs)
}
