package storage_test

import (
	"context"
	"testing"

	"github.com/veridex/veridex/internal/adapter/gateway/storage"
	"github.com/veridex/veridex/internal/application/port/output"
)

func TestMockStorageGateway_SaveAndLoad(t *testing.T) {
	gateway := storage.NewMockStorageGateway()

	req := output.SaveArtifactRequest{
		RunID:        "01RUN000000000000000000001",
		ArtifactType: output.ArtifactTypeGraph,
		Content:      []byte(`{"entities":4,"edges":6}`),
		ContentType:  "application/json",
		Metadata: map[string]string{
			"exporter": "graphbuilder",
		},
	}

	metadata, err := gateway.SaveArtifact(context.Background(), req)
	if err != nil {
		t.Fatalf("SaveArtifact() error = %v", err)
	}
	if metadata.ID == "" {
		t.Error("SaveArtifact() returned empty artifact ID")
	}
	if metadata.RunID != req.RunID {
		t.Errorf("SaveArtifact() RunID = %v, want %v", metadata.RunID, req.RunID)
	}

	artifact, err := gateway.LoadArtifact(context.Background(), req.RunID, metadata.ID)
	if err != nil {
		t.Fatalf("LoadArtifact() error = %v", err)
	}
	if string(artifact.Content) != string(req.Content) {
		t.Errorf("LoadArtifact() content = %s, want %s", artifact.Content, req.Content)
	}
}

func TestMockStorageGateway_LoadWrongRun(t *testing.T) {
	gateway := storage.NewMockStorageGateway()

	metadata, err := gateway.SaveArtifact(context.Background(), output.SaveArtifactRequest{
		RunID:        "01RUN000000000000000000001",
		ArtifactType: output.ArtifactTypeDocument,
		Content:      []byte("extract"),
	})
	if err != nil {
		t.Fatalf("SaveArtifact() error = %v", err)
	}

	// Artifacts are scoped to their owning run
	if _, err := gateway.LoadArtifact(context.Background(), "01RUN000000000000000000002", metadata.ID); err == nil {
		t.Error("LoadArtifact() with wrong run ID should fail")
	}
}

func TestMockStorageGateway_DeleteArtifacts(t *testing.T) {
	gateway := storage.NewMockStorageGateway()
	runID := "01RUN000000000000000000003"

	for _, artifactType := range []output.ArtifactType{
		output.ArtifactTypeForensics,
		output.ArtifactTypeTimeline,
	} {
		_, err := gateway.SaveArtifact(context.Background(), output.SaveArtifactRequest{
			RunID:        runID,
			ArtifactType: artifactType,
			Content:      []byte("payload"),
		})
		if err != nil {
			t.Fatalf("SaveArtifact() error = %v", err)
		}
	}

	if err := gateway.DeleteArtifacts(context.Background(), runID, output.ArtifactTypeForensics); err != nil {
		t.Fatalf("DeleteArtifacts() error = %v", err)
	}

	remaining, err := gateway.ListArtifacts(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListArtifacts() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("ListArtifacts() returned %d artifacts, want 1", len(remaining))
	}
	if remaining[0].Type != output.ArtifactTypeTimeline {
		t.Errorf("remaining artifact type = %v, want timeline", remaining[0].Type)
	}
}
