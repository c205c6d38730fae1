package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/zzenonn/zplace/internal/domain"
)

// GCSAdapter stores cells as individual objects in a Google Cloud Storage bucket.
type GCSAdapter struct {
	objectStore
	name       domain.StoreID
	bucketName string
}

// NewGCSAdapter creates a new GCS store adapter
func NewGCSAdapter(name domain.StoreID, client *storage.Client, bucketName, prefix string) *GCSAdapter {
	return &GCSAdapter{
		objectStore: objectStore{
			bucket: &gcsBucket{bucket: client.Bucket(bucketName), bucketName: bucketName},
			layout: cellLayout{prefix: prefix},
		},
		name:       name,
		bucketName: bucketName,
	}
}

func (r *GCSAdapter) Name() domain.StoreID { return r.name }

// StorageType returns the storage type
func (r *GCSAdapter) StorageType() string { return string(GCSType) }

// GetBucketName returns the bucket name
func (r *GCSAdapter) GetBucketName() string { return r.bucketName }

type gcsBucket struct {
	bucket     *storage.BucketHandle
	bucketName string
}

func (b *gcsBucket) uri(key string) string {
	return fmt.Sprintf("gs://%s/%s", b.bucketName, key)
}

func (b *gcsBucket) put(ctx context.Context, key string, body []byte) error {
	writer := b.bucket.Object(key).NewWriter(ctx)
	if _, err := writer.Write(body); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to upload %s: %w", b.uri(key), err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to upload %s: %w", b.uri(key), err)
	}
	return nil
}

func (b *gcsBucket) get(ctx context.Context, key string) ([]byte, error) {
	reader, err := b.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", b.uri(key), err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (b *gcsBucket) remove(ctx context.Context, key string) error {
	err := b.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete %s: %w", b.uri(key), err)
	}
	return nil
}

func (b *gcsBucket) list(ctx context.Context, prefix string, fn func(name string) error) error {
	it := b.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
		}
		if err := fn(attrs.Name); err != nil {
			return err
		}
	}
}
