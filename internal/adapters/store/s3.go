package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/mikey/pr-ingest/internal/core"
	"go.uber.org/zap"
)

// S3Store is an ObjectStore on an S3 bucket using conditional writes
type S3Store struct {
	client *s3.Client
	bucket string
	logger *zap.Logger
}

// NewS3Store creates a new S3Store from the default AWS configuration. A
// non-empty endpoint targets an S3-compatible service with path-style addressing.
func NewS3Store(ctx context.Context, region, endpoint, bucket string, logger *zap.Logger) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: bucket, logger: logger}, nil
}

// PutIfAbsent uploads data with If-None-Match: *
func (s *S3Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return classifyS3Error(err)
	}

	s.logger.Debug("Object uploaded",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int("size", len(data)))
	return nil
}

// Get downloads the object at key
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, core.ErrObjectNotFound
		}
		return nil, classifyS3Error(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w: %w", key, core.ErrTransient, err)
	}
	return data, nil
}

func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed":
			return core.ErrObjectExists
		case "ConditionalRequestConflict", "SlowDown", "RequestTimeout":
			return fmt.Errorf("s3 request conflicted: %w: %w", core.ErrTransient, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusPreconditionFailed:
			return core.ErrObjectExists
		case status == http.StatusTooManyRequests:
			return fmt.Errorf("s3 throttled: %w: %w", core.ErrRateLimited, err)
		case status >= 500:
			return fmt.Errorf("s3 unavailable: %w: %w", core.ErrTransient, err)
		}
		return fmt.Errorf("s3 request failed: %w", err)
	}

	return fmt.Errorf("s3 request failed: %w: %w", core.ErrTransient, err)
}
