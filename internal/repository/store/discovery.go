package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	rgttypes "github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi/types"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/domain"
)

// DiscoverStores finds S3 buckets and DynamoDB tables carrying tagKey and
// turns them into store configurations. The tag value names the store; an
// empty value falls back to the resource name.
func DiscoverStores(ctx context.Context, client resourcegroupstaggingapi.GetResourcesAPIClient, tagKey string) ([]StoreConfig, error) {
	if tagKey == "" {
		return nil, fmt.Errorf("discovery tag key cannot be empty")
	}

	paginator := resourcegroupstaggingapi.NewGetResourcesPaginator(client, &resourcegroupstaggingapi.GetResourcesInput{
		ResourceTypeFilters: []string{"s3", "dynamodb:table"},
		TagFilters: []rgttypes.TagFilter{
			{Key: aws.String(tagKey)},
		},
	})

	var configs []StoreConfig
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to discover stores: %w", err)
		}
		for _, mapping := range page.ResourceTagMappingList {
			arn := aws.ToString(mapping.ResourceARN)
			cfg, ok := storeFromARN(arn)
			if !ok {
				log.Warnf("Skipping unsupported tagged resource %s", arn)
				continue
			}
			for _, tag := range mapping.Tags {
				if aws.ToString(tag.Key) == tagKey && aws.ToString(tag.Value) != "" {
					cfg.Name = domain.StoreID(aws.ToString(tag.Value))
				}
			}
			configs = append(configs, cfg)
		}
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

// storeFromARN understands arn:aws:s3:::bucket and
// arn:aws:dynamodb:region:account:table/name.
func storeFromARN(arn string) (StoreConfig, bool) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return StoreConfig{}, false
	}
	switch parts[2] {
	case "s3":
		bucket := parts[5]
		if bucket == "" || strings.Contains(bucket, "/") {
			return StoreConfig{}, false
		}
		return StoreConfig{Name: domain.StoreID(bucket), Type: S3Type, Target: bucket}, true
	case "dynamodb":
		table, ok := strings.CutPrefix(parts[5], "table/")
		if !ok || table == "" || strings.Contains(table, "/") {
			return StoreConfig{}, false
		}
		return StoreConfig{Name: domain.StoreID(table), Type: DynamoDBType, Target: table}, true
	default:
		return StoreConfig{}, false
	}
}
