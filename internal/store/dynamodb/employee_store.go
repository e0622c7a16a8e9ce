package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
)

type employeeItem struct {
	OrgID           string    `dynamodbav:"org_id"`
	Email           string    `dynamodbav:"email"`
	StatusInOrg     string    `dynamodbav:"status_in_org"`
	PresentInLatest bool      `dynamodbav:"present_in_latest"`
	OrgPresent      string    `dynamodbav:"org_present"` // "{orgID}|{presentInLatest}", GSI1 hash key
	LastSeenEpoch   int64     `dynamodbav:"last_seen_epoch"`
	UpdatedAt       time.Time `dynamodbav:"updated_at,unixtime"`
	Source          string    `dynamodbav:"source"`
	LastEventID     string    `dynamodbav:"last_event_id"`
}

// batchGetMaxItems and transactWriteMaxItems are DynamoDB's per-request caps.
const (
	batchGetMaxItems      = 100
	transactWriteMaxItems = 100
)

// EmployeeStore implements store.EmployeeStore on a table keyed directly
// by (org_id, email) — an employee's logical identity — with GSI1 on
// (org_present, last_seen_epoch) for the finalizer's sweep. Keying the
// base table this way lets the where-in and batch-commit primitives map
// onto BatchGetItem/TransactWriteItems directly instead of through a
// secondary index.
type EmployeeStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewEmployeeStore(client *dynamodb.Client, tableName string) *EmployeeStore {
	return &EmployeeStore{client: client, tableName: tableName}
}

func orgPresentKey(orgID string, present bool) string {
	if present {
		return orgID + "|1"
	}
	return orgID + "|0"
}

func employeeKey(orgID, email string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"org_id": &types.AttributeValueMemberS{Value: orgID},
		"email":  &types.AttributeValueMemberS{Value: email},
	}
}

// BatchGetByEmails issues BatchGetItem against the base table in chunks of
// batchGetMaxItems — the direct realization of the where-in primitive.
// The reconciler chunks further at QUERY_CHUNK_SIZE before calling this,
// so a chunk here is usually well under the cap.
func (s *EmployeeStore) BatchGetByEmails(ctx context.Context, orgID string, emails []string) (map[string]*models.Employee, error) {
	out := make(map[string]*models.Employee, len(emails))
	if len(emails) == 0 {
		return out, nil
	}

	for start := 0; start < len(emails); start += batchGetMaxItems {
		end := min(start+batchGetMaxItems, len(emails))
		chunk := emails[start:end]

		keys := make([]map[string]types.AttributeValue, len(chunk))
		for i, email := range chunk {
			keys[i] = employeeKey(orgID, email)
		}

		result, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				s.tableName: {Keys: keys},
			},
		})
		if err != nil {
			return nil, wrapAWSError(err, "batch get employees")
		}

		for _, rawItem := range result.Responses[s.tableName] {
			var item employeeItem
			if err := attributevalue.UnmarshalMap(rawItem, &item); err != nil {
				return nil, fmt.Errorf("unmarshal employee: %w", err)
			}
			out[item.Email] = toEmployee(item)
		}
		// UnprocessedKeys from a throttled chunk are simply absent from out;
		// the reconciler treats a missing email the same as not-found and
		// will pick it up again on the next epoch's pass.
	}
	return out, nil
}

// BatchWrite commits ops via TransactWriteItems, chunked to
// transactWriteMaxItems. Each chunk is atomic: it either commits in full or
// fails in full, so the per-chunk outcome — not per-item — is what feeds the
// reconciler's adaptive batch sizing.
func (s *EmployeeStore) BatchWrite(ctx context.Context, orgID string, ops []store.EmployeeWrite) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}

	success := 0
	var firstErr error
	for start := 0; start < len(ops); start += transactWriteMaxItems {
		end := min(start+transactWriteMaxItems, len(ops))
		chunk := ops[start:end]

		transactItems := make([]types.TransactWriteItem, 0, len(chunk))
		for _, op := range chunk {
			item, err := toItem(orgID, op)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			transactItems = append(transactItems, types.TransactWriteItem{
				Put: &types.Put{TableName: aws.String(s.tableName), Item: item},
			})
		}
		if len(transactItems) == 0 {
			continue
		}

		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: transactItems,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = wrapAWSError(err, "transact write employees")
			}
			continue
		}
		success += len(transactItems)
	}

	return success, firstErr
}

func toItem(orgID string, op store.EmployeeWrite) (map[string]types.AttributeValue, error) {
	emp := op.Employee

	item := employeeItem{
		OrgID:           orgID,
		Email:           emp.Email,
		StatusInOrg:     string(emp.StatusInOrg),
		PresentInLatest: emp.PresentInLatest,
		OrgPresent:      orgPresentKey(orgID, emp.PresentInLatest),
		LastSeenEpoch:   emp.LastSeenEpoch,
		UpdatedAt:       emp.UpdatedAt,
		Source:          string(emp.Source),
		LastEventID:     emp.LastEventID,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal employee item: %w", err)
	}
	return av, nil
}

func (s *EmployeeStore) GetByEmail(ctx context.Context, orgID, email string) (*models.Employee, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       employeeKey(orgID, email),
	})
	if err != nil {
		return nil, wrapAWSError(err, "get employee")
	}
	if result.Item == nil {
		return nil, store.ErrEmployeeNotFound
	}

	var item employeeItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal employee: %w", err)
	}
	return toEmployee(item), nil
}

func (s *EmployeeStore) UpdateEmployee(ctx context.Context, emp *models.Employee) error {
	item, err := toItem(emp.OrgID, store.EmployeeWrite{Existing: true, Employee: emp})
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(org_id)"),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return store.ErrEmployeeNotFound
		}
		return wrapAWSError(err, "update employee")
	}
	return nil
}

// QueryPresentBefore scans GSI1's (org_present, last_seen_epoch) range for
// entries below epoch, keyset-paginated by DynamoDB's native
// ExclusiveStartKey/LastEvaluatedKey rather than a hand-rolled cursor.
func (s *EmployeeStore) QueryPresentBefore(ctx context.Context, orgID string, epoch int64, pageSize int, cursor string) (*store.EmployeePage, error) {
	expr, err := expression.NewBuilder().WithKeyCondition(
		expression.Key("org_present").Equal(expression.Value(orgPresentKey(orgID, true))).
			And(expression.Key("last_seen_epoch").LessThan(expression.Value(epoch))),
	).Build()
	if err != nil {
		return nil, fmt.Errorf("build key condition: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String("GSI1"),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(int32(pageSize)),
	}
	if cursor != "" {
		startKey, err := unmarshalSweepCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("decode cursor: %w", err)
		}
		input.ExclusiveStartKey = startKey
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, wrapAWSError(err, "query present before")
	}

	page := &store.EmployeePage{}
	for _, rawItem := range result.Items {
		var item employeeItem
		if err := attributevalue.UnmarshalMap(rawItem, &item); err != nil {
			return nil, fmt.Errorf("unmarshal employee: %w", err)
		}
		page.Employees = append(page.Employees, toEmployee(item))
	}
	if len(result.LastEvaluatedKey) > 0 {
		cursor, err := marshalSweepCursor(result.LastEvaluatedKey)
		if err != nil {
			return nil, fmt.Errorf("encode cursor: %w", err)
		}
		page.NextCursor = cursor
	}
	return page, nil
}

// sweepCursorKey is the full GSI1 LastEvaluatedKey: both the index keys
// (org_present, last_seen_epoch) and the base-table keys (org_id, email).
// A GSI query's ExclusiveStartKey must carry all four, not just the
// base-table key, or DynamoDB rejects the next page with a
// ValidationException.
type sweepCursorKey struct {
	OrgID         string `dynamodbav:"org_id"`
	Email         string `dynamodbav:"email"`
	OrgPresent    string `dynamodbav:"org_present"`
	LastSeenEpoch int64  `dynamodbav:"last_seen_epoch"`
}

// marshalSweepCursor/unmarshalSweepCursor round-trip a GSI1
// LastEvaluatedKey through the opaque cursor string the finalizer passes
// back on the next page request.
func marshalSweepCursor(lastEvaluatedKey map[string]types.AttributeValue) (string, error) {
	var key sweepCursorKey
	if err := attributevalue.UnmarshalMap(lastEvaluatedKey, &key); err != nil {
		return "", fmt.Errorf("unmarshal last evaluated key: %w", err)
	}
	return key.OrgID + "\x1f" + key.Email + "\x1f" + key.OrgPresent + "\x1f" + strconv.FormatInt(key.LastSeenEpoch, 10), nil
}

func unmarshalSweepCursor(cursor string) (map[string]types.AttributeValue, error) {
	parts := strings.Split(cursor, "\x1f")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed cursor")
	}
	lastSeenEpoch, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	key := sweepCursorKey{OrgID: parts[0], Email: parts[1], OrgPresent: parts[2], LastSeenEpoch: lastSeenEpoch}
	av, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, fmt.Errorf("marshal start key: %w", err)
	}
	return av, nil
}

// MarkAbsentBatch flips present_in_latest off for each (orgID, email) pair
// via one UpdateItem call per id, all issued concurrently; ids here are
// emails, since the base table key is (org_id, email) rather than a
// generated id. The page is not updated atomically: if one call fails,
// updates that already succeeded stay applied.
func (s *EmployeeStore) MarkAbsentBatch(ctx context.Context, orgID string, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, email := range ids {
		email := email
		group.Go(func() error {
			expr, err := expression.NewBuilder().WithUpdate(
				expression.Set(expression.Name("present_in_latest"), expression.Value(false)).
					Set(expression.Name("org_present"), expression.Value(orgPresentKey(orgID, false))).
					Set(expression.Name("updated_at"), expression.Value(now.Unix())),
			).Build()
			if err != nil {
				return fmt.Errorf("build update expression: %w", err)
			}

			_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:                 aws.String(s.tableName),
				Key:                       employeeKey(orgID, email),
				UpdateExpression:          expr.Update(),
				ExpressionAttributeNames:  expr.Names(),
				ExpressionAttributeValues: expr.Values(),
			})
			if err != nil {
				return wrapAWSError(err, "mark absent")
			}
			return nil
		})
	}
	return group.Wait()
}

func toEmployee(item employeeItem) *models.Employee {
	return &models.Employee{
		ID:              item.Email, // base table key is (org_id, email); no separate generated id in this backend
		OrgID:           item.OrgID,
		Email:           item.Email,
		StatusInOrg:     models.Status(item.StatusInOrg),
		PresentInLatest: item.PresentInLatest,
		LastSeenEpoch:   item.LastSeenEpoch,
		UpdatedAt:       item.UpdatedAt,
		Source:          models.Source(item.Source),
		LastEventID:     item.LastEventID,
	}
}
