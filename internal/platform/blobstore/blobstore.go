// Package blobstore archives transaction-response bundles to object storage.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const ContentType = "application/fhir+json"

var ErrObjectNotFound = errors.New("archived bundle not found")

// ObjectKey returns "<tenant>/<yyyy>/<mm>/<bundle-id>.json". A bundle
// without an id gets a fresh one.
func ObjectKey(tenant string, b *fhir.Bundle, now time.Time) string {
	if tenant == "" {
		tenant = "default"
	}
	id := b.ID
	if id == "" {
		id = uuid.NewString()
	}
	now = now.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%s.json", tenant, now.Year(), int(now.Month()), id)
}

func bundleTime(b *fhir.Bundle, fallback func() time.Time) time.Time {
	if b.Timestamp != nil {
		return *b.Timestamp
	}
	return fallback()
}

// InMemoryArchiver keeps archived bundles in a map, for tests and
// development.
type InMemoryArchiver struct {
	mu      sync.RWMutex
	objects map[string][]byte
	nowFunc func() time.Time
}

func NewInMemoryArchiver() *InMemoryArchiver {
	return &InMemoryArchiver{objects: make(map[string][]byte), nowFunc: time.Now}
}

func (a *InMemoryArchiver) Archive(ctx context.Context, tenant string, b *fhir.Bundle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := fhir.EncodeBundle(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	key := ObjectKey(tenant, b, bundleTime(b, a.nowFunc))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[key] = data
	return key, nil
}

// Get returns the archived bytes stored under key.
func (a *InMemoryArchiver) Get(key string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// Keys lists the archived object keys in sorted order.
func (a *InMemoryArchiver) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := make([]string, 0, len(a.objects))
	for k := range a.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ObjectPutter is the part of *minio.Client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioConfig holds the connection settings for the archive bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioArchiver writes bundles to an S3-compatible bucket.
type MinioArchiver struct {
	client  ObjectPutter
	bucket  string
	nowFunc func() time.Time
}

func NewMinioArchiver(client ObjectPutter, bucket string) *MinioArchiver {
	return &MinioArchiver{client: client, bucket: bucket, nowFunc: time.Now}
}

// NewMinioClient connects to the object store and makes sure the bucket
// exists.
func NewMinioClient(ctx context.Context, cfg MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return client, nil
}

func (a *MinioArchiver) Archive(ctx context.Context, tenant string, b *fhir.Bundle) (string, error) {
	data, err := fhir.EncodeBundle(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}
	key := ObjectKey(tenant, b, bundleTime(b, a.nowFunc))
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  ContentType,
			UserMetadata: map[string]string{"tenant": tenant, "bundle-type": b.Type},
		})
	if err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}
