package db

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zzenonn/zplace/internal/domain"
	zerrors "github.com/zzenonn/zplace/internal/errors"
)

// JobsAPI is the subset of the DynamoDB client used by JobRepository.
type JobsAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// JobRepository manages DynamoDB interactions for migration job records.
type JobRepository struct {
	client    JobsAPI
	tableName string
}

// NewJobRepository initializes a new JobRepository.
func NewJobRepository(client JobsAPI, tableName string) *JobRepository {
	return &JobRepository{
		client:    client,
		tableName: tableName,
	}
}

// RecordJob stores the latest state of a job, replacing the previous one.
func (repo *JobRepository) RecordJob(ctx context.Context, record domain.MigrationJobRecord) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", record.JobID, err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(repo.tableName),
		Item:      item,
	}

	if _, err := repo.client.PutItem(ctx, input); err != nil {
		return fmt.Errorf("failed to record job %s: %w", record.JobID, err)
	}
	return nil
}

// GetJob retrieves a job record by table and job id.
func (repo *JobRepository) GetJob(ctx context.Context, tableID int64, jobID string) (domain.MigrationJobRecord, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(repo.tableName),
		Key: map[string]types.AttributeValue{
			"table_id": &types.AttributeValueMemberN{Value: strconv.FormatInt(tableID, 10)},
			"job_id":   &types.AttributeValueMemberS{Value: jobID},
		},
	}

	result, err := repo.client.GetItem(ctx, input)
	if err != nil {
		return domain.MigrationJobRecord{}, fmt.Errorf("failed to get job: %w", err)
	}
	if result.Item == nil {
		return domain.MigrationJobRecord{}, zerrors.FetchingResourceError("migration job", jobID)
	}

	var record domain.MigrationJobRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return domain.MigrationJobRecord{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return record, nil
}

// ListJobsByTable retrieves every job recorded for a table.
func (repo *JobRepository) ListJobsByTable(ctx context.Context, tableID int64) ([]domain.MigrationJobRecord, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(repo.tableName),
		KeyConditionExpression: aws.String("#table_id = :table_id"),
		ExpressionAttributeNames: map[string]string{
			"#table_id": "table_id",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":table_id": &types.AttributeValueMemberN{Value: strconv.FormatInt(tableID, 10)},
		},
	}

	var records []domain.MigrationJobRecord
	paginator := dynamodb.NewQueryPaginator(repo.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query jobs of table %d: %w", tableID, err)
		}
		var batch []domain.MigrationJobRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal jobs: %w", err)
		}
		records = append(records, batch...)
	}
	return records, nil
}
