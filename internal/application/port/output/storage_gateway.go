package output

import (
	"context"
	"time"
)

// StorageGateway is the interface for artifact payload storage.
// Stage outputs reference payloads by ID; the bytes live behind this
// gateway (local filesystem, S3, or an in-memory mock).
type StorageGateway interface {
	// SaveArtifact persists an artifact payload
	SaveArtifact(ctx context.Context, req SaveArtifactRequest) (*ArtifactMetadata, error)

	// LoadArtifact retrieves an artifact payload
	LoadArtifact(ctx context.Context, runID, artifactID string) (*Artifact, error)

	// ListArtifacts lists artifact metadata for a run
	ListArtifacts(ctx context.Context, runID string) ([]*ArtifactMetadata, error)

	// DeleteArtifacts removes a stage's artifacts for a run; used by
	// cancellation compensation.
	DeleteArtifacts(ctx context.Context, runID string, artifactType ArtifactType) error
}

// SaveArtifactRequest represents a request to save an artifact payload
type SaveArtifactRequest struct {
	RunID        string            // Owning run ID
	ArtifactType ArtifactType      // Type of artifact
	Content      []byte            // Payload bytes
	Metadata     map[string]string // Additional metadata
	ContentType  string            // MIME type (optional)
}

// ArtifactType represents what kind of evidence an artifact carries
type ArtifactType string

const (
	ArtifactTypeDocument  ArtifactType = "document"  // Parsed document extracts
	ArtifactTypeGraph     ArtifactType = "graph"     // Entity graph exports
	ArtifactTypeTimeline  ArtifactType = "timeline"  // Assembled event timelines
	ArtifactTypeForensics ArtifactType = "forensics" // Analyzer reports
	ArtifactTypeSnapshot  ArtifactType = "snapshot"  // Run memory exports
)

// Artifact represents a stored artifact payload
type Artifact struct {
	ID       string
	Content  []byte
	Metadata ArtifactMetadata
}

// ArtifactMetadata describes a stored artifact
type ArtifactMetadata struct {
	ID          string            // Unique artifact ID
	RunID       string            // Owning run ID
	Type        ArtifactType      // Artifact type
	StoragePath string            // Storage path (e.g., s3://bucket/key)
	ContentType string            // MIME type
	Size        int64             // Size in bytes
	UploadedAt  time.Time         // Upload timestamp
	Metadata    map[string]string // Additional metadata
}
