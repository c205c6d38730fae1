package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	log "github.com/sirupsen/logrus"

	zerrors "github.com/zzenonn/zplace/internal/errors"
	"github.com/zzenonn/zplace/internal/repository/migrate"
)

type DynamoDb struct {
	Client        *dynamodb.Client
	TaggingClient *resourcegroupstaggingapi.Client
	migrations    []migrate.Migration
}

// NewDatabase creates the DynamoDB and tagging clients. MigrateDb creates
// jobsTable and one rows table per entry of rowsTables.
func NewDatabase(awsConfig aws.Config, jobsTable string, rowsTables []string) (*DynamoDb, error) {
	if jobsTable == "" {
		return nil, zerrors.ConfigNotSetError("dynamodb_table")
	}

	client := dynamodb.NewFromConfig(awsConfig)
	taggingClient := resourcegroupstaggingapi.NewFromConfig(awsConfig)

	migrations := []migrate.Migration{&migrate.CreateMigrationJobsTable{Name: jobsTable}}
	seen := map[string]bool{jobsTable: true}
	for _, name := range rowsTables {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		migrations = append(migrations, &migrate.CreateStoreRowsTable{Name: name})
	}

	return &DynamoDb{
		Client:        client,
		TaggingClient: taggingClient,
		migrations:    migrations,
	}, nil
}

// MigrateDb creates every table that does not exist yet.
func (d *DynamoDb) MigrateDb(ctx context.Context) error {
	for _, m := range d.migrations {
		log.Infof("Applying migration %s (%s)", m.Version(), m.TableName())
		if err := m.Up(ctx, d.Client); err != nil {
			var inUse *types.ResourceInUseException
			if errors.As(err, &inUse) {
				log.Infof("Table %s already exists", m.TableName())
				continue
			}
			return fmt.Errorf("migration %s: %w", m.Version(), err)
		}
	}
	return nil
}

// MigrateDown drops the tables in reverse order.
func (d *DynamoDb) MigrateDown(ctx context.Context) error {
	for i := len(d.migrations) - 1; i >= 0; i-- {
		m := d.migrations[i]
		log.Infof("Rolling back migration %s (%s)", m.Version(), m.TableName())
		if err := m.Down(ctx, d.Client); err != nil {
			var notFound *types.ResourceNotFoundException
			if errors.As(err, &notFound) {
				continue
			}
			return fmt.Errorf("rollback %s: %w", m.Version(), err)
		}
	}
	return nil
}
