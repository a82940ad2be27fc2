package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var tableWaitTimeout = 30 * time.Second

// CreateCertificatesTable creates the certificate record table keyed by
// tenant_id.
func CreateCertificatesTable(ctx context.Context, client DynamoDBAPI, env string, cleanResources bool) (string, error) {
	tableName := fmt.Sprintf("%s_signplane_certificates", env)
	if err := createCertificatesTable(ctx, client, tableName, cleanResources); err != nil {
		return "", fmt.Errorf("failed to create certificates table: %w", err)
	}
	return tableName, nil
}

// CreateSingleCertificatesTable always recreates tableName, for tests.
func CreateSingleCertificatesTable(ctx context.Context, client DynamoDBAPI, tableName string) error {
	return createCertificatesTable(ctx, client, tableName, true)
}

func createCertificatesTable(ctx context.Context, client DynamoDBAPI, tableName string, cleanResources bool) error {
	if cleanResources {
		if err := deleteTableIfExists(ctx, client, tableName); err != nil {
			return err
		}
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("tenant_id"),
				KeyType:       types.KeyTypeHash,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("tenant_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
		SSESpecification: &types.SSESpecification{
			Enabled: aws.Bool(true),
		},
	}

	_, err := client.CreateTable(ctx, input)
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if !cleanResources && errors.As(err, &resourceInUse) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, tableWaitTimeout)
}

func deleteTableIfExists(ctx context.Context, client DynamoDBAPI, tableName string) error {
	if tableName == "" {
		return nil
	}
	_, err := client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		var resourceNotFound *types.ResourceNotFoundException
		if errors.As(err, &resourceNotFound) {
			return nil
		}
		return err
	}

	waiter := dynamodb.NewTableNotExistsWaiter(client)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	}, tableWaitTimeout)
}
