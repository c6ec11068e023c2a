// Package blob stores raw document payloads that exceed the inline
// threshold in an S3-compatible object store. The service runs fine without
// one — a nil Store disables the fallback and oversized payloads stay inline.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mfittko/rag-stack/internal/config"
	"github.com/mfittko/rag-stack/internal/errs"
)

// Store reads and writes raw payloads by key. Implementations must be safe
// for concurrent use.
type Store interface {
	// Put writes data under key.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get reads the full object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Ping checks reachability for readiness probes.
	Ping(ctx context.Context) error
	// Name labels the store in readiness responses.
	Name() string
}

// MinioStore is a Store backed by an S3-compatible endpoint.
type MinioStore struct {
	// client is the underlying MinIO SDK client.
	client *minio.Client
	// bucket is the target bucket, ensured to exist at construction.
	bucket string
}

// New connects to the configured endpoint and ensures the bucket exists.
// Returns (nil, nil) when the blob store is not configured.
func New(ctx context.Context, cfg *config.Config) (*MinioStore, error) {
	if !cfg.BlobConfigured() {
		return nil, nil
	}

	client, err := minio.New(cfg.BlobEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.BlobAccessKey, cfg.BlobSecretKey, ""),
		Secure: cfg.BlobUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: create client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BlobBucket)
	if err != nil {
		return nil, fmt.Errorf("blob: check bucket %q: %w", cfg.BlobBucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BlobBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("blob: create bucket %q: %w", cfg.BlobBucket, err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.BlobBucket}, nil
}

// Put writes data under key.
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return errs.Wrap(errs.KindBlobStoreUnavailable, err, "blob store write failed")
	}
	return nil
}

// Get reads the full object stored under key.
func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errs.Wrap(errs.KindBlobStoreUnavailable, err, "blob store read failed")
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, errs.Wrap(errs.KindBlobStoreUnavailable, err, "blob store read failed")
	}
	return data, nil
}

// Ping lists the bucket to confirm reachability.
func (s *MinioStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("blob: ping: %w", err)
	}
	return nil
}

// Name labels the store in readiness responses.
func (s *MinioStore) Name() string { return "blob" }

// RawKey returns the object key used for a document's raw payload.
func RawKey(documentID string) string { return "raw/" + documentID }
