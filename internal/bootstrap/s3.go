package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// CreateBucket creates the private bucket holding tenant key containers.
func CreateBucket(ctx context.Context, client S3API, env, region string, cleanResources bool) (string, error) {
	bucket := fmt.Sprintf("%s-signplane-key-containers", env)

	if cleanResources {
		if err := deleteBucketIfExists(ctx, client, bucket); err != nil {
			return "", fmt.Errorf("failed to delete existing bucket %s: %w", bucket, err)
		}
	}

	input := &s3.CreateBucketInput{
		Bucket:          aws.String(bucket),
		ObjectOwnership: types.ObjectOwnershipBucketOwnerEnforced,
	}
	if region != "" && region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}

	if _, err := client.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return "", fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	_, err := client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to block public access on %s: %w", bucket, err)
	}

	return bucket, nil
}

// deleteBucketIfExists removes an empty bucket.
func deleteBucketIfExists(ctx context.Context, client S3API, bucket string) error {
	if bucket == "" {
		return nil
	}
	_, err := client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	if err != nil {
		var missing *types.NoSuchBucket
		if errors.As(err, &missing) {
			return nil
		}
		return err
	}
	return nil
}
