package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/domain"
)

const (
	partAttribute   = "part"    // Partition Key: t<table>#p<partition>
	rowKeyAttribute = "row_key" // Sort Key
)

// RowsAPI is the subset of the DynamoDB client the adapter uses.
type RowsAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBAdapter stores one item per row, with a c<column> attribute per
// placed column.
type DynamoDBAdapter struct {
	name      domain.StoreID
	client    RowsAPI
	tableName string
}

// NewDynamoDBAdapter initializes a new DynamoDBAdapter.
func NewDynamoDBAdapter(name domain.StoreID, client RowsAPI, tableName string) *DynamoDBAdapter {
	return &DynamoDBAdapter{
		name:      name,
		client:    client,
		tableName: tableName,
	}
}

func (r *DynamoDBAdapter) Name() domain.StoreID { return r.name }

func (r *DynamoDBAdapter) StorageType() string { return string(DynamoDBType) }

func partValue(tableID, partitionID int64) string {
	return fmt.Sprintf("t%d#p%d", tableID, partitionID)
}

// Upsert merges the selected columns into each row item with UpdateItem, so
// columns written by other placements are kept.
func (r *DynamoDBAdapter) Upsert(ctx context.Context, scope Scope, rows []domain.Row) error {
	log.Debugf("Upserting %d rows to dynamodb table %s (%s)", len(rows), r.tableName, scope)
	part := partValue(scope.TableID, scope.PartitionID)

	for _, row := range rows {
		input := &dynamodb.UpdateItemInput{
			TableName: aws.String(r.tableName),
			Key:       itemKey(part, row.Key),
		}

		var sets []string
		names := make(map[string]string)
		values := make(map[string]types.AttributeValue)
		for id, v := range row.Values {
			if !wantColumn(scope.ColumnIDs, id) {
				continue
			}
			av, err := attributevalue.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to marshal cell %d of row %s: %w", id, row.Key, err)
			}
			col := columnName(id)
			sets = append(sets, fmt.Sprintf("#%s = :%s", col, col))
			names["#"+col] = col
			values[":"+col] = av
		}
		if len(sets) > 0 {
			input.UpdateExpression = aws.String("SET " + strings.Join(sets, ", "))
			input.ExpressionAttributeNames = names
			input.ExpressionAttributeValues = values
		}

		if _, err := r.client.UpdateItem(ctx, input); err != nil {
			return fmt.Errorf("failed to upsert row %s: %w", row.Key, err)
		}
	}
	return nil
}

func itemKey(part, rowKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		partAttribute:   &types.AttributeValueMemberS{Value: part},
		rowKeyAttribute: &types.AttributeValueMemberS{Value: rowKey},
	}
}

func (r *DynamoDBAdapter) Delete(ctx context.Context, tableID, partitionID int64, keys []string) error {
	part := partValue(tableID, partitionID)
	for _, k := range keys {
		_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(r.tableName),
			Key:       itemKey(part, k),
		})
		if err != nil {
			return fmt.Errorf("failed to delete row %s from %s: %w", k, part, err)
		}
	}
	return nil
}

func (r *DynamoDBAdapter) partitionQuery(tableID, partitionID int64) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("#part = :part"),
		ExpressionAttributeNames: map[string]string{
			"#part": partAttribute,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":part": &types.AttributeValueMemberS{Value: partValue(tableID, partitionID)},
		},
	}
}

func (r *DynamoDBAdapter) Scan(ctx context.Context, scope Scope) ([]domain.Row, error) {
	paginator := dynamodb.NewQueryPaginator(r.client, r.partitionQuery(scope.TableID, scope.PartitionID))

	var rows []domain.Row
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query partition %s: %w", scope, err)
		}
		for _, item := range page.Items {
			row, err := decodeItem(item, scope.ColumnIDs)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	return domain.JoinRows(rows), nil
}

func decodeItem(item map[string]types.AttributeValue, columns []int64) (domain.Row, error) {
	var row domain.Row
	if err := attributevalue.Unmarshal(item[rowKeyAttribute], &row.Key); err != nil {
		return domain.Row{}, fmt.Errorf("failed to unmarshal row key: %w", err)
	}
	row.Values = make(map[int64]any)
	for attr, av := range item {
		if !strings.HasPrefix(attr, "c") {
			continue
		}
		id, err := strconv.ParseInt(attr[1:], 10, 64)
		if err != nil || !wantColumn(columns, id) {
			continue
		}
		if n, ok := av.(*types.AttributeValueMemberN); ok {
			row.Values[id] = parseNumber(n.Value)
			continue
		}
		var v any
		if err := attributevalue.Unmarshal(av, &v); err != nil {
			return domain.Row{}, fmt.Errorf("failed to unmarshal %s of row %s: %w", attr, row.Key, err)
		}
		row.Values[id] = v
	}
	return row, nil
}

func (r *DynamoDBAdapter) Count(ctx context.Context, tableID, partitionID int64) (int64, error) {
	input := r.partitionQuery(tableID, partitionID)
	input.Select = types.SelectCount
	paginator := dynamodb.NewQueryPaginator(r.client, input)

	var n int64
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count partition %d of table %d: %w", partitionID, tableID, err)
		}
		n += int64(page.Count)
	}
	return n, nil
}
