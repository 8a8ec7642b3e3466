package storage

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MinioStore keeps video bytes in a MinIO bucket
type MinioStore struct {
	client     *minio.Client
	bucketName string
}

// NewMinioStore initializes a MinIO client and creates the bucket if needed
func NewMinioStore(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Printf("Creating bucket: %s", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Printf("Bucket %s created successfully", bucketName)
	}

	return &MinioStore{client: client, bucketName: bucketName}, nil
}

// Put streams an upload into the bucket
func (ms *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	ctx, span := tracer.Start(ctx, "minio.put",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := ms.client.PutObject(ctx, ms.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

// Open returns a lazy reader over a byte range of the object
func (ms *MinioStore) Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "minio.open",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("offset", offset),
			attribute.Int64("length", length),
		),
	)
	defer span.End()

	opts := minio.GetObjectOptions{}
	if length > 0 {
		if err := opts.SetRange(offset, offset+length-1); err != nil {
			return nil, apperr.Wrap(apperr.ValidationFailed, err, "invalid byte range")
		}
	}

	object, err := ms.client.GetObject(ctx, ms.bucketName, key, opts)
	if err != nil {
		span.RecordError(err)
		return nil, ms.mapError(err, key)
	}
	return object, nil
}

// Stat returns the object size
func (ms *MinioStore) Stat(ctx context.Context, key string) (int64, error) {
	ctx, span := tracer.Start(ctx, "minio.stat",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	info, err := ms.client.StatObject(ctx, ms.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return 0, ms.mapError(err, key)
	}
	span.SetAttributes(attribute.Int64("size_bytes", info.Size))
	return info.Size, nil
}

// Delete removes the object. Removing a missing object is not an error.
func (ms *MinioStore) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.delete",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	if err := ms.client.RemoveObject(ctx, ms.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (ms *MinioStore) mapError(err error, key string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return apperr.New(apperr.FileMissing, "video file not found").WithDetail("key", key)
	}
	return fmt.Errorf("minio request failed: %w", err)
}
