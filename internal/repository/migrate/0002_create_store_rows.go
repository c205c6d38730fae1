package migrate

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const StoreRowsVersion = "20250801000100_store_rows_table"

// CreateStoreRowsTable creates the table backing a dynamodb:// store.
// Items are keyed by t<table>#p<partition> and the encoded row key.
type CreateStoreRowsTable struct {
	Name string
}

func (m *CreateStoreRowsTable) Version() string {
	return StoreRowsVersion
}

func (m *CreateStoreRowsTable) TableName() string {
	return m.Name
}

func (m *CreateStoreRowsTable) Up(ctx context.Context, client *dynamodb.Client) error {
	return createTable(ctx, client, &dynamodb.CreateTableInput{
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("part"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("row_key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("part"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("row_key"),
				KeyType:       types.KeyTypeRange,
			},
		},
		TableName:   aws.String(m.Name),
		BillingMode: types.BillingModePayPerRequest,
		Tags:        tags("PlacedRows"),
	})
}

func (m *CreateStoreRowsTable) Down(ctx context.Context, client *dynamodb.Client) error {
	return deleteTable(ctx, client, m.Name)
}
