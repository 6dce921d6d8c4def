package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/veridex/veridex/internal/application/port/output"
)

// MockStorageGateway is an in-memory StorageGateway for tests and the
// mock pipeline backend
type MockStorageGateway struct {
	mu        sync.RWMutex
	artifacts map[string]*output.Artifact
	nextID    int
}

// NewMockStorageGateway creates an in-memory storage gateway
func NewMockStorageGateway() *MockStorageGateway {
	return &MockStorageGateway{
		artifacts: make(map[string]*output.Artifact),
		nextID:    1,
	}
}

// SaveArtifact stores an artifact payload in memory
func (g *MockStorageGateway) SaveArtifact(ctx context.Context, req output.SaveArtifactRequest) (*output.ArtifactMetadata, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	artifactID := fmt.Sprintf("mock-artifact-%d", g.nextID)
	g.nextID++

	artifact := &output.Artifact{
		ID:      artifactID,
		Content: req.Content,
		Metadata: output.ArtifactMetadata{
			ID:          artifactID,
			RunID:       req.RunID,
			Type:        req.ArtifactType,
			StoragePath: "mock://artifacts/" + artifactID,
			ContentType: req.ContentType,
			Size:        int64(len(req.Content)),
			UploadedAt:  time.Now().UTC(),
			Metadata:    req.Metadata,
		},
	}
	g.artifacts[artifactID] = artifact

	return &artifact.Metadata, nil
}

// LoadArtifact retrieves an artifact payload
func (g *MockStorageGateway) LoadArtifact(ctx context.Context, runID, artifactID string) (*output.Artifact, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	artifact, exists := g.artifacts[artifactID]
	if !exists || artifact.Metadata.RunID != runID {
		return nil, fmt.Errorf("artifact not found: %s/%s", runID, artifactID)
	}
	return artifact, nil
}

// ListArtifacts lists artifact metadata for one run
func (g *MockStorageGateway) ListArtifacts(ctx context.Context, runID string) ([]*output.ArtifactMetadata, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var metadataList []*output.ArtifactMetadata
	for _, artifact := range g.artifacts {
		if artifact.Metadata.RunID == runID {
			md := artifact.Metadata
			metadataList = append(metadataList, &md)
		}
	}
	return metadataList, nil
}

// DeleteArtifacts removes all artifacts of one type for a run
func (g *MockStorageGateway) DeleteArtifacts(ctx context.Context, runID string, artifactType output.ArtifactType) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, artifact := range g.artifacts {
		if artifact.Metadata.RunID == runID && artifact.Metadata.Type == artifactType {
			delete(g.artifacts, id)
		}
	}
	return nil
}

// ArtifactCount reports how many artifacts are stored
func (g *MockStorageGateway) ArtifactCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.artifacts)
}

// Clear drops all stored artifacts
func (g *MockStorageGateway) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.artifacts = make(map[string]*output.Artifact)
	g.nextID = 1
}
