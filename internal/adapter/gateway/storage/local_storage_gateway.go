package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/veridex/veridex/internal/application/port/output"
)

// LocalStorageGateway implements StorageGateway on a local filesystem.
// Directory structure: <baseDir>/artifacts/<runID>/<artifactID>/
//   - content: artifact payload bytes
//   - metadata.json: artifact metadata
//
// The filesystem is abstracted behind afero so tests run in memory.
type LocalStorageGateway struct {
	fs      afero.Fs
	baseDir string
}

// NewLocalStorageGateway creates a filesystem-backed storage gateway
func NewLocalStorageGateway(fs afero.Fs, baseDir string) (*LocalStorageGateway, error) {
	artifactsDir := filepath.Join(baseDir, "artifacts")
	if err := fs.MkdirAll(artifactsDir, 0755); err != nil {
		return nil, fmt.Errorf("create artifacts directory: %w", err)
	}
	return &LocalStorageGateway{fs: fs, baseDir: baseDir}, nil
}

// SaveArtifact writes the payload and its metadata under the run's directory
func (g *LocalStorageGateway) SaveArtifact(ctx context.Context, req output.SaveArtifactRequest) (*output.ArtifactMetadata, error) {
	artifactID := generateArtifactID(req.Content)

	artifactDir := filepath.Join(g.baseDir, "artifacts", req.RunID, artifactID)
	if err := g.fs.MkdirAll(artifactDir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}

	contentPath := filepath.Join(artifactDir, "content")
	if err := afero.WriteFile(g.fs, contentPath, req.Content, 0644); err != nil {
		return nil, fmt.Errorf("write artifact content: %w", err)
	}

	metadata := output.ArtifactMetadata{
		ID:          artifactID,
		RunID:       req.RunID,
		Type:        req.ArtifactType,
		StoragePath: contentPath,
		ContentType: req.ContentType,
		Size:        int64(len(req.Content)),
		UploadedAt:  time.Now().UTC(),
		Metadata:    req.Metadata,
	}

	metadataJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	metadataPath := filepath.Join(artifactDir, "metadata.json")
	if err := afero.WriteFile(g.fs, metadataPath, metadataJSON, 0644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	return &metadata, nil
}

// LoadArtifact reads one artifact payload and its metadata
func (g *LocalStorageGateway) LoadArtifact(ctx context.Context, runID, artifactID string) (*output.Artifact, error) {
	artifactDir := filepath.Join(g.baseDir, "artifacts", runID, artifactID)

	metadataJSON, err := afero.ReadFile(g.fs, filepath.Join(artifactDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact not found: %s/%s", runID, artifactID)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var metadata output.ArtifactMetadata
	if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	content, err := afero.ReadFile(g.fs, filepath.Join(artifactDir, "content"))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}

	return &output.Artifact{
		ID:       artifactID,
		Content:  content,
		Metadata: metadata,
	}, nil
}

// ListArtifacts lists artifact metadata for one run
func (g *LocalStorageGateway) ListArtifacts(ctx context.Context, runID string) ([]*output.ArtifactMetadata, error) {
	runDir := filepath.Join(g.baseDir, "artifacts", runID)

	exists, err := afero.DirExists(g.fs, runDir)
	if err != nil {
		return nil, fmt.Errorf("check run directory: %w", err)
	}
	if !exists {
		return []*output.ArtifactMetadata{}, nil
	}

	entries, err := afero.ReadDir(g.fs, runDir)
	if err != nil {
		return nil, fmt.Errorf("read run artifacts directory: %w", err)
	}

	var metadataList []*output.ArtifactMetadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		metadataJSON, err := afero.ReadFile(g.fs, filepath.Join(runDir, entry.Name(), "metadata.json"))
		if err != nil {
			// Skip artifacts with missing metadata
			continue
		}
		var metadata output.ArtifactMetadata
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			continue
		}
		metadataList = append(metadataList, &metadata)
	}

	return metadataList, nil
}

// DeleteArtifacts removes all artifacts of one type for a run
func (g *LocalStorageGateway) DeleteArtifacts(ctx context.Context, runID string, artifactType output.ArtifactType) error {
	metadataList, err := g.ListArtifacts(ctx, runID)
	if err != nil {
		return err
	}
	for _, metadata := range metadataList {
		if metadata.Type != artifactType {
			continue
		}
		artifactDir := filepath.Join(g.baseDir, "artifacts", runID, metadata.ID)
		if err := g.fs.RemoveAll(artifactDir); err != nil {
			return fmt.Errorf("delete artifact %s: %w", metadata.ID, err)
		}
	}
	return nil
}

// generateArtifactID derives a unique artifact ID from a content hash
// and the upload time
func generateArtifactID(content []byte) string {
	hash := sha256.Sum256(content)
	hashStr := hex.EncodeToString(hash[:8])
	return fmt.Sprintf("%s-%d", hashStr, time.Now().UnixNano())
}
