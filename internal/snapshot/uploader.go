// Package snapshot uploads database snapshots to S3-compatible storage and
// hands out pre-signed download URLs. With no bucket configured the
// NoopUploader keeps snapshots local.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/muniplan/internal/config"
)

// ErrNotConfigured is returned when S3 snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

// Uploader uploads snapshots and generates pre-signed download URLs.
type Uploader interface {
	// Upload stores the snapshot file as the current snapshot and as a
	// timestamped archive copy. It returns the archive key.
	Upload(ctx context.Context, filePath string, takenAt time.Time) (string, error)

	// PresignedURL returns a pre-signed URL for the current snapshot.
	// Returns ErrNotConfigured when S3 is not configured.
	PresignedURL(ctx context.Context) (url string, expiry time.Time, err error)
}

// s3Client is the subset of minio.Client operations used by S3Uploader.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

// minioClient adapts *minio.Client to s3Client.
type minioClient struct {
	client *minio.Client
}

func (m *minioClient) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := m.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	return err
}

func (m *minioClient) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return m.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads snapshots to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	prefix    string
	urlExpiry time.Duration
}

// Upload uploads the archive copy first so the current key never points at
// a snapshot without an archive.
func (u *S3Uploader) Upload(ctx context.Context, filePath string, takenAt time.Time) (string, error) {
	archive := archiveKey(u.prefix, takenAt)
	if err := u.client.FPutObject(ctx, u.bucket, archive, filePath); err != nil {
		return "", fmt.Errorf("upload snapshot archive: %w", err)
	}
	if err := u.client.FPutObject(ctx, u.bucket, currentKey(u.prefix), filePath); err != nil {
		return "", fmt.Errorf("upload current snapshot: %w", err)
	}
	return archive, nil
}

// PresignedURL returns a pre-signed GET URL for the current snapshot.
func (u *S3Uploader) PresignedURL(ctx context.Context) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, currentKey(u.prefix), u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), time.Now().Add(u.urlExpiry), nil
}

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

// Upload does nothing.
func (NoopUploader) Upload(context.Context, string, time.Time) (string, error) {
	return "", nil
}

// PresignedURL returns ErrNotConfigured.
func (NoopUploader) PresignedURL(context.Context) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader returns a NoopUploader when the bucket is empty and an
// S3Uploader otherwise.
func NewUploader(cfg config.SnapshotStorageConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:    &minioClient{client: client},
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		urlExpiry: time.Duration(cfg.URLExpiry),
	}, nil
}

// stripScheme removes an http:// or https:// prefix from endpoint, which
// minio.New rejects, and sets useSSL to match the scheme.
func stripScheme(endpoint string, useSSL *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*useSSL = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*useSSL = false
		return strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// currentKey is {prefix}/snapshot/current.db.
func currentKey(prefix string) string {
	return path.Join(prefix, "snapshot", "current.db")
}

// archiveKey is {prefix}/snapshot/archive/{yyyy}/{mm}/{dd}/{hhmmss}Z.db.
func archiveKey(prefix string, t time.Time) string {
	t = t.UTC()
	return path.Join(prefix, "snapshot", "archive", t.Format("2006/01/02"), t.Format("150405")+"Z.db")
}
