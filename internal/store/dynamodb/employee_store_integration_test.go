//go:build integration

package dynamodb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
)

const (
	testDynamoDBEndpoint = "http://localhost:4101"
	testDynamoDBRegion   = "us-east-1"
)

func getDynamoDBClient(t *testing.T, ctx context.Context) *dynamodb.Client {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(testDynamoDBRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
	)
	require.NoError(t, err)

	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(testDynamoDBEndpoint)
	})
}

func setupStores(t *testing.T, ctx context.Context) (*OrganizationStore, *EmployeeStore, func()) {
	client := getDynamoDBClient(t, ctx)
	env := fmt.Sprintf("rosterd_test_%d", time.Now().UnixNano())

	orgsTable, employeesTable, err := CreateTables(ctx, client, env, true)
	require.NoError(t, err)

	cleanup := func() {
		_ = DeleteTables(ctx, client, orgsTable, employeesTable)
	}
	return NewOrganizationStore(client, orgsTable), NewEmployeeStore(client, employeesTable), cleanup
}

func TestDynamoDBBeginRunIncrementsEpoch(t *testing.T) {
	ctx := context.Background()
	orgs, _, cleanup := setupStores(t, ctx)
	defer cleanup()

	epoch1, err := orgs.BeginRun(ctx, "acme", "Acme Corp", time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), epoch1)

	epoch2, err := orgs.BeginRun(ctx, "acme", "", time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(2), epoch2)

	org, err := orgs.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", org.Name)
}

func TestDynamoDBBatchWriteThenBatchGet(t *testing.T) {
	ctx := context.Background()
	_, emps, cleanup := setupStores(t, ctx)
	defer cleanup()

	now := time.Now()
	_, err := emps.BatchWrite(ctx, "acme", []store.EmployeeWrite{
		{Employee: &models.Employee{OrgID: "acme", Email: "alice@x.com", StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 1, UpdatedAt: now, Source: models.SourceKafkaUpsert}},
		{Employee: &models.Employee{OrgID: "acme", Email: "bob@x.com", StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 1, UpdatedAt: now, Source: models.SourceKafkaUpsert}},
	})
	require.NoError(t, err)

	found, err := emps.BatchGetByEmails(ctx, "acme", []string{"alice@x.com", "bob@x.com", "missing@x.com"})
	require.NoError(t, err)
	require.Len(t, found, 2)

	alice, err := emps.GetByEmail(ctx, "acme", "alice@x.com")
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, alice.StatusInOrg)
}

func TestDynamoDBQueryPresentBeforePaginatesAndMarksAbsent(t *testing.T) {
	ctx := context.Background()
	_, emps, cleanup := setupStores(t, ctx)
	defer cleanup()

	now := time.Now()
	var ops []store.EmployeeWrite
	for i := 0; i < 5; i++ {
		ops = append(ops, store.EmployeeWrite{Employee: &models.Employee{
			OrgID: "acme", Email: fmt.Sprintf("person%d@x.com", i),
			StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 1, UpdatedAt: now, Source: models.SourceKafkaUpsert,
		}})
	}
	_, err := emps.BatchWrite(ctx, "acme", ops)
	require.NoError(t, err)

	page, err := emps.QueryPresentBefore(ctx, "acme", 2, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Employees, 2)
	require.NotEmpty(t, page.NextCursor)

	var ids []string
	for _, e := range page.Employees {
		ids = append(ids, e.ID)
	}
	require.NoError(t, emps.MarkAbsentBatch(ctx, "acme", ids, time.Now()))

	gone, err := emps.GetByEmail(ctx, "acme", page.Employees[0].Email)
	require.NoError(t, err)
	require.False(t, gone.PresentInLatest)
}

// TestDynamoDBQueryPresentBeforeSweepsMultiplePages walks every page of a
// sweep that needs more than one Query call, exercising the GSI1 cursor
// round trip. A cursor missing the index key attributes fails the second
// page's Query with a ValidationException instead of returning rows.
func TestDynamoDBQueryPresentBeforeSweepsMultiplePages(t *testing.T) {
	ctx := context.Background()
	_, emps, cleanup := setupStores(t, ctx)
	defer cleanup()

	now := time.Now()
	var ops []store.EmployeeWrite
	for i := 0; i < 5; i++ {
		ops = append(ops, store.EmployeeWrite{Employee: &models.Employee{
			OrgID: "acme", Email: fmt.Sprintf("sweep%d@x.com", i),
			StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 1, UpdatedAt: now, Source: models.SourceKafkaUpsert,
		}})
	}
	_, err := emps.BatchWrite(ctx, "acme", ops)
	require.NoError(t, err)

	var seen []string
	cursor := ""
	for {
		page, err := emps.QueryPresentBefore(ctx, "acme", 2, 2, cursor)
		require.NoError(t, err)
		for _, e := range page.Employees {
			seen = append(seen, e.Email)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	require.Len(t, seen, 5)
}
