// Package dynamodb implements the reconciliation core's storage contracts
// on DynamoDB: organizations keyed by org_id, employees keyed by the
// logical (org_id, email) pair defines as an employee's
// identity, so BatchGetItem/TransactWriteItems can operate directly on the
// primary key instead of fanning out through a secondary index.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CreateTables bootstraps the organizations and employees tables for env,
// using the same create-table-on-startup shape as other table provisioning
// in this codebase, scaled down to the two tables this domain needs.
func CreateTables(ctx context.Context, client *dynamodb.Client, env string, cleanResources bool) (orgsTable, employeesTable string, err error) {
	orgsTable = fmt.Sprintf("%s_organizations", env)
	employeesTable = fmt.Sprintf("%s_employees", env)

	if err := createOrganizationsTable(ctx, client, orgsTable, cleanResources); err != nil {
		return "", "", fmt.Errorf("create organizations table: %w", err)
	}
	if err := createEmployeesTable(ctx, client, employeesTable, cleanResources); err != nil {
		return "", "", fmt.Errorf("create employees table: %w", err)
	}
	return orgsTable, employeesTable, nil
}

func createOrganizationsTable(ctx context.Context, client *dynamodb.Client, tableName string, cleanResources bool) error {
	if cleanResources {
		if err := deleteTableIfExists(ctx, client, tableName); err != nil {
			return err
		}
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("org_id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("org_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	}

	return createAndWait(ctx, client, input, cleanResources)
}

// employees is keyed by (org_id, email) directly — the same logical
// identity assigns an employee document — with GSI1 on
// (org_present, last_seen_epoch) for the finalizer's sweep.
func createEmployeesTable(ctx context.Context, client *dynamodb.Client, tableName string, cleanResources bool) error {
	if cleanResources {
		if err := deleteTableIfExists(ctx, client, tableName); err != nil {
			return err
		}
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("org_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("email"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("org_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("email"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("org_present"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("last_seen_epoch"), AttributeType: types.ScalarAttributeTypeN},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String("GSI1"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("org_present"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("last_seen_epoch"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	}

	return createAndWait(ctx, client, input, cleanResources)
}

func createAndWait(ctx context.Context, client *dynamodb.Client, input *dynamodb.CreateTableInput, cleanResources bool) error {
	_, err := client.CreateTable(ctx, input)
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if !cleanResources && errors.As(err, &resourceInUse) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: input.TableName}, 30*time.Second)
}

func deleteTableIfExists(ctx context.Context, client *dynamodb.Client, tableName string) error {
	_, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(tableName)})
	if err != nil {
		var resourceNotFound *types.ResourceNotFoundException
		if errors.As(err, &resourceNotFound) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableNotExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tableName)}, 30*time.Second)
}

// DeleteTables removes both tables, used by integration test teardown.
func DeleteTables(ctx context.Context, client *dynamodb.Client, orgsTable, employeesTable string) error {
	if err := deleteTableIfExists(ctx, client, orgsTable); err != nil {
		return fmt.Errorf("delete organizations table: %w", err)
	}
	if err := deleteTableIfExists(ctx, client, employeesTable); err != nil {
		return fmt.Errorf("delete employees table: %w", err)
	}
	return nil
}
