package bootstrap

import (
	"context"
	"errors"
	"fmt"
)

const defaultMaxReceiveCount = 5

// Bootstrap creates the provisioning queue, certificates table and key
// container bucket. With CleanResources existing resources are deleted first,
// otherwise existing ones are reused.
func Bootstrap(ctx context.Context, cfg Config) (*Resources, error) {
	if cfg.SQSClient == nil {
		return nil, fmt.Errorf("SQSClient is required")
	}
	if cfg.DynamoClient == nil {
		return nil, fmt.Errorf("DynamoClient is required")
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("S3Client is required")
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = defaultMaxReceiveCount
	}

	resources := &Resources{}

	queueURL, dlqURL, err := CreateQueues(ctx, cfg.SQSClient, cfg.Environment, cfg.MaxReceiveCount, cfg.CleanResources)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS queues: %w", err)
	}
	resources.ProvisioningQueueURL = queueURL
	resources.DeadLetterQueueURL = dlqURL

	table, err := CreateCertificatesTable(ctx, cfg.DynamoClient, cfg.Environment, cfg.CleanResources)
	if err != nil {
		return nil, fmt.Errorf("failed to create DynamoDB table: %w", err)
	}
	resources.CertificatesTable = table

	bucket, err := CreateBucket(ctx, cfg.S3Client, cfg.Environment, cfg.Region, cfg.CleanResources)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 bucket: %w", err)
	}
	resources.KeyContainerBucket = bucket

	return resources, nil
}

// Cleanup deletes all resources created by Bootstrap
func Cleanup(ctx context.Context, cfg Config, res *Resources) error {
	var errs []error

	if err := DeleteQueues(ctx, cfg.SQSClient, res.ProvisioningQueueURL, res.DeadLetterQueueURL); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete queues: %w", err))
	}
	if err := deleteTableIfExists(ctx, cfg.DynamoClient, res.CertificatesTable); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete table: %w", err))
	}
	if err := deleteBucketIfExists(ctx, cfg.S3Client, res.KeyContainerBucket); err != nil {
		errs = append(errs, fmt.Errorf("failed to delete bucket: %w", err))
	}

	return errors.Join(errs...)
}
