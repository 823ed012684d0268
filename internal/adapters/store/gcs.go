package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/mikey/pr-ingest/internal/core"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSStore is an ObjectStore on a Google Cloud Storage bucket
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	logger *zap.Logger
}

// NewGCSStore creates a new GCSStore
func NewGCSStore(ctx context.Context, bucket string, logger *zap.Logger, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: client.Bucket(bucket),
		name:   bucket,
		logger: logger,
	}, nil
}

// PutIfAbsent uploads data with a does-not-exist precondition
func (s *GCSStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	w := s.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		w.Close()
		return classifyGCSError(err)
	}
	if err := w.Close(); err != nil {
		return classifyGCSError(err)
	}

	s.logger.Debug("Object uploaded",
		zap.String("bucket", s.name),
		zap.String("key", key),
		zap.Int("size", len(data)))
	return nil
}

// Get downloads the object at key
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, core.ErrObjectNotFound
		}
		return nil, classifyGCSError(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w: %w", key, core.ErrTransient, err)
	}
	return data, nil
}

// Close closes the storage client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func classifyGCSError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusPreconditionFailed:
			return core.ErrObjectExists
		case apiErr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("storage throttled: %w: %w", core.ErrRateLimited, err)
		case apiErr.Code >= 500:
			return fmt.Errorf("storage unavailable: %w: %w", core.ErrTransient, err)
		}
		return fmt.Errorf("storage request failed: %w", err)
	}
	return fmt.Errorf("storage request failed: %w: %w", core.ErrTransient, err)
}
