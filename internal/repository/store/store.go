// Package store provides the row store adapters the placement core reads
// from and writes to, and a factory that builds them from configuration.
//
// Every adapter keeps rows keyed by (table, partition, row key). Upsert
// merges the given columns into an existing row, so re-running a copy never
// produces duplicates and partial rows written by different migrations
// combine into one.
package store

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/zzenonn/zplace/internal/domain"
)

// Scope restricts a read or write to one partition and a column projection.
// An empty ColumnIDs on Scan means all stored columns.
type Scope struct {
	TableID     int64
	PartitionID int64
	ColumnIDs   []int64
}

func (s Scope) String() string {
	return fmt.Sprintf("table %d partition %d columns %v", s.TableID, s.PartitionID, s.ColumnIDs)
}

// Reader is the scoped read side of a store.
type Reader interface {
	// Scan returns every row of the partition with the requested columns
	// that the store holds.
	Scan(ctx context.Context, scope Scope) ([]domain.Row, error)
	// Count returns the number of distinct row keys in the partition.
	Count(ctx context.Context, tableID, partitionID int64) (int64, error)
}

// Writer is the batched write side of a store.
type Writer interface {
	Upsert(ctx context.Context, scope Scope, rows []domain.Row) error
	// Delete removes whole rows from a partition. Missing keys are ignored.
	Delete(ctx context.Context, tableID, partitionID int64, keys []string) error
}

// Adapter defines the interface for a physical backend store
type Adapter interface {
	Reader
	Writer
	Name() domain.StoreID
	StorageType() string
}

// StoreType represents the kind of backend
type StoreType string

const (
	MemoryType   StoreType = "memory"
	SQLiteType   StoreType = "sqlite"
	DynamoDBType StoreType = "dynamodb"
	S3Type       StoreType = "s3"
	GCSType      StoreType = "gs"
)

// StoreConfig holds configuration for one store
type StoreConfig struct {
	Name   domain.StoreID
	Type   StoreType
	Target string // bucket[/prefix], file path or table name
}

// AdapterFactory creates store adapter instances
type AdapterFactory struct {
	awsConfig aws.Config
	gcsClient *storage.Client
}

// NewAdapterFactory creates a new factory. gcsClient may be nil when no GCS
// store is configured.
func NewAdapterFactory(awsConfig aws.Config, gcsClient *storage.Client) *AdapterFactory {
	return &AdapterFactory{
		awsConfig: awsConfig,
		gcsClient: gcsClient,
	}
}

// CreateAdapter creates an adapter based on store configuration
func (f *AdapterFactory) CreateAdapter(ctx context.Context, config StoreConfig) (Adapter, error) {
	switch config.Type {
	case MemoryType:
		return NewMemoryAdapter(config.Name), nil
	case SQLiteType:
		return OpenSQLiteAdapter(ctx, config.Name, config.Target)
	case DynamoDBType:
		client := dynamodb.NewFromConfig(f.awsConfig)
		return NewDynamoDBAdapter(config.Name, client, config.Target), nil
	case S3Type:
		bucket, prefix := splitBucket(config.Target)
		client := s3.NewFromConfig(f.awsConfig)
		return NewS3Adapter(config.Name, client, bucket, prefix), nil
	case GCSType:
		if f.gcsClient == nil {
			return nil, fmt.Errorf("GCS client not configured")
		}
		bucket, prefix := splitBucket(config.Target)
		return NewGCSAdapter(config.Name, f.gcsClient, bucket, prefix), nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// ParseStoreConfig parses a store URI.
// Formats: "s3://bucket[/prefix]", "gs://bucket[/prefix]", "dynamodb://table",
// "sqlite://path", "memory://", "type:target", or "" (defaults to memory)
func ParseStoreConfig(name, uri string) (StoreConfig, error) {
	uri = strings.TrimSpace(uri)
	if name == "" {
		return StoreConfig{}, fmt.Errorf("store name cannot be empty")
	}
	if uri == "" {
		return StoreConfig{Name: domain.StoreID(name), Type: MemoryType}, nil
	}

	var scheme, target string
	if strings.Contains(uri, "://") {
		parts := strings.SplitN(uri, "://", 2)
		scheme, target = parts[0], parts[1]
	} else {
		parts := strings.SplitN(uri, ":", 2)
		if len(parts) != 2 {
			return StoreConfig{}, fmt.Errorf("invalid store URI: %s", uri)
		}
		scheme, target = parts[0], parts[1]
	}
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	target = strings.TrimSpace(target)

	var storeType StoreType
	switch scheme {
	case "memory", "mem":
		storeType = MemoryType
	case "sqlite", "sqlite3":
		storeType = SQLiteType
	case "dynamodb", "ddb":
		storeType = DynamoDBType
	case "s3":
		storeType = S3Type
	case "gs", "gcs":
		storeType = GCSType
	default:
		return StoreConfig{}, fmt.Errorf("unsupported scheme: %s", scheme)
	}

	if storeType != MemoryType && target == "" {
		return StoreConfig{}, fmt.Errorf("store %s: target cannot be empty", name)
	}

	return StoreConfig{
		Name:   domain.StoreID(name),
		Type:   storeType,
		Target: target,
	}, nil
}

func splitBucket(target string) (bucket, prefix string) {
	parts := strings.SplitN(strings.Trim(target, "/"), "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

// wantColumn reports whether id is selected by columns (empty selects all).
func wantColumn(columns []int64, id int64) bool {
	if len(columns) == 0 {
		return true
	}
	for _, c := range columns {
		if c == id {
			return true
		}
	}
	return false
}
