package migrate

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const MigrationJobsVersion = "20250801000000_migration_jobs_table"

// CreateMigrationJobsTable creates the audit table of migration jobs.
type CreateMigrationJobsTable struct {
	Name string
}

func (m *CreateMigrationJobsTable) Version() string {
	return MigrationJobsVersion
}

func (m *CreateMigrationJobsTable) TableName() string {
	return m.Name
}

func (m *CreateMigrationJobsTable) Up(ctx context.Context, client *dynamodb.Client) error {
	return createTable(ctx, client, &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("table_id"),
				AttributeType: types.ScalarAttributeTypeN,
			},
			{
				AttributeName: aws.String("job_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("table_id"),
				KeyType:       types.KeyTypeHash, // Partition Key
			},
			{
				AttributeName: aws.String("job_id"),
				KeyType:       types.KeyTypeRange, // Sort Key
			},
		},
		TableName:   aws.String(m.Name),
		BillingMode: types.BillingModePayPerRequest,
		Tags:        tags("MigrationJobAudit"),
	})
}

func (m *CreateMigrationJobsTable) Down(ctx context.Context, client *dynamodb.Client) error {
	return deleteTable(ctx, client, m.Name)
}
