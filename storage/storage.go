// Package storage provides the S3-compatible archive for raw inbound
// messages.
//
// The archive is content-addressable: each raw message is stored under its
// BLAKE3 hash, so the same message delivered twice occupies one object.
// Archiving is best-effort from the engine's perspective; ingestion never
// fails because the archive is unavailable.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/coursedesk/triage/logger"
	"github.com/coursedesk/triage/pkg/metrics"
	"github.com/coursedesk/triage/pkg/retry"
)

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("[ARCHIVE] failed to initialize S3 client", "error", err)
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	// Enable detailed tracing of requests and responses for debugging
	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}

	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads an object. Uploading a key that already exists is harmless;
// content-addressed keys make the write idempotent.
func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size,
		minio.PutObjectOptions{SendContentMd5: true})
	if err != nil {
		metrics.ArchiveOperations.WithLabelValues("PUT", "error").Inc()
	} else {
		metrics.ArchiveOperations.WithLabelValues("PUT", "success").Inc()
	}
	metrics.ArchiveOperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	return err
}

// PutWithRetry uploads an object with exponential backoff for transient
// failures. Content under a key never changes, so an object that already
// exists is not re-uploaded.
func (s *S3Storage) PutWithRetry(ctx context.Context, key string, data []byte) error {
	if exists, err := s.Exists(ctx, key); err == nil && exists {
		metrics.ArchiveOperations.WithLabelValues("PUT", "skipped").Inc()
		return nil
	}
	cfg := retry.DefaultBackoffConfig()
	cfg.MaxRetries = 3
	return retry.WithRetry(ctx, func() error {
		return s.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
	}, cfg)
}

// Get retrieves an archived object.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.ArchiveOperations.WithLabelValues("GET", "error").Inc()
		metrics.ArchiveOperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return nil, err
	}

	metrics.ArchiveOperations.WithLabelValues("GET", "success").Inc()
	metrics.ArchiveOperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	return object, nil
}
