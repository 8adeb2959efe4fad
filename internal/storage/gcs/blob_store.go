// Package gcs provides an object store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	pstorage "github.com/JakeFAU/snapshot-harvester/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func (s *BlobStore) location(key string, size int64) harvest.Location {
	return harvest.Location{Key: key, URI: fmt.Sprintf("gs://%s/%s", s.bucket, key), Size: size}
}

// Put uploads data to the configured bucket.
func (s *BlobStore) Put(ctx context.Context, key, contentType string, data []byte) (harvest.Location, error) {
	if strings.TrimSpace(key) == "" {
		return harvest.Location{}, harvest.Errorf(harvest.KindInvalidInput, "put object", "key is required")
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return harvest.Location{}, classify("put object", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr))
		}
		return harvest.Location{}, classify("put object", fmt.Errorf("write object: %w", err))
	}
	if err := writer.Close(); err != nil {
		return harvest.Location{}, classify("put object", fmt.Errorf("close writer: %w", err))
	}
	return s.location(key, int64(len(data))), nil
}

// Get downloads the object stored under key.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, pstorage.NotFound("get object", key)
		}
		return nil, classify("get object", err)
	}
	defer reader.Close() //nolint:errcheck // read-only
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, classify("get object", fmt.Errorf("read object: %w", err))
	}
	return data, nil
}

// Exists fetches the object's attributes.
func (s *BlobStore) Exists(ctx context.Context, key string) (harvest.Location, bool, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return harvest.Location{}, false, nil
		}
		return harvest.Location{}, false, classify("stat object", err)
	}
	return s.location(key, attrs.Size), true, nil
}

func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return pstorage.Classify(op, apiErr.Code, err)
	}
	return pstorage.Classify(op, 0, err)
}

var _ harvest.ObjectStore = (*BlobStore)(nil)
