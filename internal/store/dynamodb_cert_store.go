package store

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
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/signplane/internal/models"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the certificate store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDBCertificateStore is a DynamoDB implementation of CertificateStore keyed by tenant_id
type DynamoDBCertificateStore struct {
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
}

var _ CertificateStore = (*DynamoDBCertificateStore)(nil)

// NewDynamoDBCertificateStore creates a new DynamoDB certificate store
func NewDynamoDBCertificateStore(client DynamoDBAPI, tableName string) *DynamoDBCertificateStore {
	return &DynamoDBCertificateStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func tenantKey(id models.TenantID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"tenant_id": &types.AttributeValueMemberS{Value: string(id)},
	}
}

// FindByTenant retrieves the record with a strongly consistent read
func (s *DynamoDBCertificateStore) FindByTenant(ctx context.Context, id models.TenantID) (*models.CertificateRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            tenantKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapAWSError(err, "failed to get certificate")
	}

	if result.Item == nil {
		return nil, ErrCertificateNotFound
	}

	var rec models.CertificateRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal certificate: %w", err)
	}

	return &rec, nil
}

// Create stores the record unless one already exists for the tenant
func (s *DynamoDBCertificateStore) Create(ctx context.Context, rec *models.CertificateRecord) error {
	stored := rec.Clone()
	now := s.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(tenant_id)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrCertificateExists
		}
		return wrapAWSError(err, "failed to create certificate")
	}

	log.Debug().
		Str("tenant_id", rec.TenantID.String()).
		Str("key_container", rec.KeyContainerFileName).
		Msg("certificate record created")

	return nil
}

// UpdateWorkers sets the worker id attributes on an existing record
func (s *DynamoDBCertificateStore) UpdateWorkers(ctx context.Context, id models.TenantID, cryptoTokenWorkerID, signingWorkerID string) error {
	update := expression.Set(
		expression.Name("crypto_token_worker_id"),
		expression.Value(cryptoTokenWorkerID),
	).Set(
		expression.Name("signing_worker_id"),
		expression.Value(signingWorkerID),
	).Set(
		expression.Name("updated_at"),
		expression.Value(s.now().UTC()),
	)

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name("tenant_id"))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       tenantKey(id),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrCertificateNotFound
		}
		return wrapAWSError(err, "failed to update certificate workers")
	}

	log.Info().
		Str("tenant_id", id.String()).
		Str("crypto_token_worker_id", cryptoTokenWorkerID).
		Str("signing_worker_id", signingWorkerID).
		Msg("certificate workers recorded")

	return nil
}
