package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3API double scoped to a single bucket,
// the way the gateway is deployed: one artifact bucket per environment.
// Requests naming any other bucket fail the way S3 would.
type MockS3Client struct {
	bucket string

	mu      sync.RWMutex
	objects map[string]*storedObject
}

type storedObject struct {
	payload     []byte
	contentType string
	metadata    map[string]string
}

// NewMockS3Client creates a mock client backing the given bucket
func NewMockS3Client(bucket string) *MockS3Client {
	return &MockS3Client{
		bucket:  bucket,
		objects: make(map[string]*storedObject),
	}
}

func (m *MockS3Client) checkBucket(name *string) error {
	if aws.ToString(name) != m.bucket {
		return &types.NoSuchBucket{
			Message: aws.String(fmt.Sprintf("The specified bucket does not exist: %s", aws.ToString(name))),
		}
	}
	return nil
}

// PutObject stores the object under its key, replacing any prior version
func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := m.checkBucket(params.Bucket); err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(params.Key)] = &storedObject{
		payload:     payload,
		contentType: aws.ToString(params.ContentType),
		metadata:    maps.Clone(params.Metadata),
	}
	return &s3.PutObjectOutput{}, nil
}

// GetObject returns the stored object or S3's NoSuchKey error
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := m.checkBucket(params.Bucket); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	key := aws.ToString(params.Key)
	obj, ok := m.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{
			Message: aws.String(fmt.Sprintf("The specified key does not exist: %s", key)),
		}
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(obj.payload)),
		ContentType: aws.String(obj.contentType),
		Metadata:    maps.Clone(obj.metadata),
	}, nil
}

// ListObjectsV2 returns keys under the prefix in lexical order
func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := m.checkBucket(params.Bucket); err != nil {
		return nil, err
	}

	var contents []types.Object
	for _, key := range m.keysUnder(aws.ToString(params.Prefix)) {
		contents = append(contents, types.Object{Key: aws.String(key)})
	}

	// No pagination; artifact listings stay small in tests
	return &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(false),
	}, nil
}

// DeleteObject removes the key; deleting an absent key succeeds, as on S3
func (m *MockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := m.checkBucket(params.Bucket); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// ObjectCount reports how many objects the bucket holds
func (m *MockS3Client) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MockS3Client) keysUnder(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
