package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/veridex/veridex/internal/application/port/output"
)

// S3StorageGateway implements StorageGateway using AWS S3.
// Bucket structure: s3://<bucket>/<prefix>/artifacts/<runID>/<artifactID>/
//   - content: artifact payload bytes
//   - metadata.json: artifact metadata
type S3StorageGateway struct {
	client     S3API // interface for testability
	bucketName string
	prefix     string // optional key prefix (e.g. "veridex/prod")
}

// S3Config holds S3 storage gateway configuration
type S3Config struct {
	BucketName string
	Prefix     string
	Region     string // optional, uses the default AWS region if empty
}

// NewS3StorageGateway creates an S3-backed storage gateway
func NewS3StorageGateway(ctx context.Context, cfg S3Config) (*S3StorageGateway, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}

	return &S3StorageGateway{
		client:     s3.NewFromConfig(awsCfg),
		bucketName: cfg.BucketName,
		prefix:     cfg.Prefix,
	}, nil
}

// NewS3StorageGatewayWithClient creates an S3 gateway with a custom
// client, used by tests with a mock S3 implementation
func NewS3StorageGatewayWithClient(client S3API, bucketName, prefix string) *S3StorageGateway {
	return &S3StorageGateway{
		client:     client,
		bucketName: bucketName,
		prefix:     prefix,
	}
}

// SaveArtifact uploads the payload and a metadata sidecar object
func (g *S3StorageGateway) SaveArtifact(ctx context.Context, req output.SaveArtifactRequest) (*output.ArtifactMetadata, error) {
	artifactID := generateArtifactID(req.Content)
	contentKey := g.buildKey("artifacts", req.RunID, artifactID, "content")

	s3Metadata := map[string]string{
		"artifact-id":   artifactID,
		"run-id":        req.RunID,
		"artifact-type": string(req.ArtifactType),
		"uploaded-at":   time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range req.Metadata {
		s3Metadata[k] = v
	}

	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucketName),
		Key:         aws.String(contentKey),
		Body:        bytes.NewReader(req.Content),
		ContentType: aws.String(req.ContentType),
		Metadata:    s3Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("upload to S3: %w", err)
	}

	metadata := output.ArtifactMetadata{
		ID:          artifactID,
		RunID:       req.RunID,
		Type:        req.ArtifactType,
		StoragePath: fmt.Sprintf("s3://%s/%s", g.bucketName, contentKey),
		ContentType: req.ContentType,
		Size:        int64(len(req.Content)),
		UploadedAt:  time.Now().UTC(),
		Metadata:    req.Metadata,
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	metadataKey := g.buildKey("artifacts", req.RunID, artifactID, "metadata.json")
	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucketName),
		Key:         aws.String(metadataKey),
		Body:        bytes.NewReader(metadataJSON),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("upload metadata to S3: %w", err)
	}

	return &metadata, nil
}

// LoadArtifact downloads one artifact payload and its metadata
func (g *S3StorageGateway) LoadArtifact(ctx context.Context, runID, artifactID string) (*output.Artifact, error) {
	metadataKey := g.buildKey("artifacts", runID, artifactID, "metadata.json")
	metadataObj, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucketName),
		Key:    aws.String(metadataKey),
	})
	if err != nil {
		return nil, fmt.Errorf("artifact not found: %s/%s: %w", runID, artifactID, err)
	}
	defer metadataObj.Body.Close()

	metadataJSON, err := io.ReadAll(metadataObj.Body)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var metadata output.ArtifactMetadata
	if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	contentKey := g.buildKey("artifacts", runID, artifactID, "content")
	contentObj, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucketName),
		Key:    aws.String(contentKey),
	})
	if err != nil {
		return nil, fmt.Errorf("download content from S3: %w", err)
	}
	defer contentObj.Body.Close()

	content, err := io.ReadAll(contentObj.Body)
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
func (g *S3StorageGateway) ListArtifacts(ctx context.Context, runID string) ([]*output.ArtifactMetadata, error) {
	prefix := g.buildKey("artifacts", runID) + "/"
	listOutput, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucketName),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("list S3 objects: %w", err)
	}

	var metadataList []*output.ArtifactMetadata
	for _, obj := range listOutput.Contents {
		key := aws.ToString(obj.Key)
		if !strings.HasSuffix(key, "metadata.json") {
			continue
		}

		metadataObj, err := g.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(g.bucketName),
			Key:    aws.String(key),
		})
		if err != nil {
			// Skip artifacts with download errors
			continue
		}
		metadataJSON, err := io.ReadAll(metadataObj.Body)
		metadataObj.Body.Close()
		if err != nil {
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
func (g *S3StorageGateway) DeleteArtifacts(ctx context.Context, runID string, artifactType output.ArtifactType) error {
	metadataList, err := g.ListArtifacts(ctx, runID)
	if err != nil {
		return err
	}
	for _, metadata := range metadataList {
		if metadata.Type != artifactType {
			continue
		}
		for _, leaf := range []string{"content", "metadata.json"} {
			key := g.buildKey("artifacts", runID, metadata.ID, leaf)
			_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(g.bucketName),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("delete %s from S3: %w", key, err)
			}
		}
	}
	return nil
}

// buildKey builds an S3 key with the configured prefix
func (g *S3StorageGateway) buildKey(parts ...string) string {
	if g.prefix != "" {
		parts = append([]string{g.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}
