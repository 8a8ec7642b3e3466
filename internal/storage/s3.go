package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/maneesh/vidstream/internal/apperr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// S3Store keeps video bytes in an S3 bucket
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store loads the default AWS config for region. Credentials come from
// the usual environment/profile chain.
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	if region == "" {
		region = "us-east-1"
	}
	log.Printf("Initializing S3 client with region: %s for bucket: %s", region, bucket)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Put uploads the object. r should be seekable so the SDK can sign the payload.
func (ss *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "s3.put",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := ss.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(ss.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// Open issues a ranged GetObject and hands back the response body
func (ss *S3Store) Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "s3.open",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("offset", offset),
			attribute.Int64("length", length),
		),
	)
	defer span.End()

	input := &s3.GetObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(key),
	}
	if length > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	}

	out, err := ss.client.GetObject(ctx, input)
	if err != nil {
		span.RecordError(err)
		return nil, ss.mapError(err, key)
	}
	return out.Body, nil
}

func (ss *S3Store) Stat(ctx context.Context, key string) (int64, error) {
	ctx, span := tracer.Start(ctx, "s3.stat",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	out, err := ss.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		return 0, ss.mapError(err, key)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (ss *S3Store) Delete(ctx context.Context, key string) error {
	_, err := ss.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ss.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (ss *S3Store) mapError(err error, key string) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return apperr.New(apperr.FileMissing, "video file not found").WithDetail("key", key)
	}
	return fmt.Errorf("s3 request failed: %w", err)
}
