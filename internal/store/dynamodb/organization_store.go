package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
)

type organizationItem struct {
	OrgID              string    `dynamodbav:"org_id"`
	Name               string    `dynamodbav:"name"`
	CurrentEpoch       int64     `dynamodbav:"current_epoch"`
	LastFinalizedEpoch int64     `dynamodbav:"last_finalized_epoch"`
	UpdatedAt          time.Time `dynamodbav:"updated_at,unixtime"`
}

// OrganizationStore implements store.OrganizationStore on a single-item
// table keyed by org_id.
type OrganizationStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewOrganizationStore(client *dynamodb.Client, tableName string) *OrganizationStore {
	return &OrganizationStore{client: client, tableName: tableName}
}

func (s *OrganizationStore) Get(ctx context.Context, orgID string) (*models.Organization, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"org_id": &types.AttributeValueMemberS{Value: orgID},
		},
	})
	if err != nil {
		return nil, wrapAWSError(err, "get organization")
	}
	if result.Item == nil {
		return nil, store.ErrOrganizationNotFound
	}

	var item organizationItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal organization: %w", err)
	}
	return toOrganization(item), nil
}

// BeginRun uses an UpdateItem with an ADD on current_epoch so concurrent
// callers each get a distinct, monotonically increasing epoch even without
// a transaction, the closest DynamoDB equivalent of the get-then-set-merge
// primitive. ADD treats a missing organization item as epoch 0, so the
// first run gets epoch 1. The counter itself never races; only the name
// field is last-writer-wins.
func (s *OrganizationStore) BeginRun(ctx context.Context, orgID, name string, now time.Time) (int64, error) {
	update := expression.Add(expression.Name("current_epoch"), expression.Value(1))
	update = update.Set(expression.Name("updated_at"), expression.Value(now.Unix()))
	if name != "" {
		update = update.Set(expression.Name("name"), expression.Value(name))
	}

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return 0, fmt.Errorf("build update expression: %w", err)
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"org_id": &types.AttributeValueMemberS{Value: orgID},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return 0, wrapAWSError(err, "begin run")
	}

	var item organizationItem
	if err := attributevalue.UnmarshalMap(result.Attributes, &item); err != nil {
		return 0, fmt.Errorf("unmarshal organization: %w", err)
	}
	return item.CurrentEpoch, nil
}

func (s *OrganizationStore) Finalize(ctx context.Context, orgID string, epoch int64, now time.Time) error {
	expr, err := expression.NewBuilder().WithUpdate(
		expression.Set(expression.Name("current_epoch"), expression.Value(epoch)).
			Set(expression.Name("last_finalized_epoch"), expression.Value(epoch)).
			Set(expression.Name("updated_at"), expression.Value(now.Unix())),
	).WithCondition(expression.Name("org_id").AttributeExists()).Build()
	if err != nil {
		return fmt.Errorf("build update expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"org_id": &types.AttributeValueMemberS{Value: orgID},
		},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return store.ErrOrganizationNotFound
		}
		return wrapAWSError(err, "finalize")
	}
	return nil
}

func toOrganization(item organizationItem) *models.Organization {
	return &models.Organization{
		OrgID:              item.OrgID,
		Name:               item.Name,
		CurrentEpoch:       item.CurrentEpoch,
		LastFinalizedEpoch: item.LastFinalizedEpoch,
		UpdatedAt:          item.UpdatedAt,
	}
}
