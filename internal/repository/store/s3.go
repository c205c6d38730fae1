package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/zzenonn/zplace/internal/domain"
)

// S3Adapter stores cells as individual objects in an S3 bucket.
type S3Adapter struct {
	objectStore
	name       domain.StoreID
	bucketName string
}

// NewS3Adapter initializes a new S3Adapter.
func NewS3Adapter(name domain.StoreID, client *s3.Client, bucketName, prefix string) *S3Adapter {
	return &S3Adapter{
		objectStore: objectStore{
			bucket: &s3Bucket{
				client:     client,
				uploader:   manager.NewUploader(client),
				bucketName: bucketName,
			},
			layout: cellLayout{prefix: prefix},
		},
		name:       name,
		bucketName: bucketName,
	}
}

func (r *S3Adapter) Name() domain.StoreID { return r.name }

// StorageType returns the store type.
func (r *S3Adapter) StorageType() string { return string(S3Type) }

// GetBucketName returns the bucket name.
func (r *S3Adapter) GetBucketName() string { return r.bucketName }

type s3Bucket struct {
	client     *s3.Client
	uploader   *manager.Uploader
	bucketName string
}

func (b *s3Bucket) uri(key string) string {
	return fmt.Sprintf("s3://%s/%s", b.bucketName, key)
}

func (b *s3Bucket) put(ctx context.Context, key string, body []byte) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", b.uri(key), err)
	}
	return nil
}

func (b *s3Bucket) get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", b.uri(key), err)
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}

func (b *s3Bucket) remove(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", b.uri(key), err)
	}
	return nil
}

func (b *s3Bucket) list(ctx context.Context, prefix string, fn func(key string) error) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list s3://%s: %w", b.bucketName, err)
		}
		for _, obj := range page.Contents {
			if err := fn(aws.ToString(obj.Key)); err != nil {
				return err
			}
		}
	}
	return nil
}
