package bootstrap

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	queues  map[string]map[string]string // name -> attributes
	deleted []string
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{queues: map[string]map[string]string{}}
}

func queueURL(name string) string { return "https://sqs.local/000000000000/" + name }

func queueName(url string) string { return url[len(queueURL("")):] }

func (f *fakeSQS) CreateQueue(_ context.Context, in *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	name := aws.ToString(in.QueueName)
	if _, ok := f.queues[name]; ok {
		return nil, &sqstypes.QueueNameExists{Message: aws.String("exists")}
	}
	attrs := map[string]string{}
	for k, v := range in.Attributes {
		attrs[k] = v
	}
	f.queues[name] = attrs
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(queueURL(name))}, nil
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	name := aws.ToString(in.QueueName)
	if _, ok := f.queues[name]; !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("missing")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(queueURL(name))}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	name := queueName(aws.ToString(in.QueueUrl))
	if _, ok := f.queues[name]; !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("missing")}
	}
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		string(sqstypes.QueueAttributeNameQueueArn): "arn:aws:sqs:us-east-1:000000000000:" + name,
	}}, nil
}

func (f *fakeSQS) SetQueueAttributes(_ context.Context, in *sqs.SetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error) {
	name := queueName(aws.ToString(in.QueueUrl))
	for k, v := range in.Attributes {
		f.queues[name][k] = v
	}
	return &sqs.SetQueueAttributesOutput{}, nil
}

func (f *fakeSQS) DeleteQueue(_ context.Context, in *sqs.DeleteQueueInput, _ ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error) {
	name := queueName(aws.ToString(in.QueueUrl))
	if _, ok := f.queues[name]; !ok {
		return nil, &sqstypes.QueueDoesNotExist{Message: aws.String("missing")}
	}
	delete(f.queues, name)
	f.deleted = append(f.deleted, name)
	return &sqs.DeleteQueueOutput{}, nil
}

type fakeDynamo struct {
	tables  map[string]*dynamodb.CreateTableInput
	deleted []string
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &dynamotypes.ResourceInUseException{Message: aws.String("in use")}
	}
	f.tables[name] = in
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) DeleteTable(_ context.Context, in *dynamodb.DeleteTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; !ok {
		return nil, &dynamotypes.ResourceNotFoundException{Message: aws.String("missing")}
	}
	delete(f.tables, name)
	f.deleted = append(f.deleted, name)
	return &dynamodb.DeleteTableOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; !ok {
		return nil, &dynamotypes.ResourceNotFoundException{Message: aws.String("missing")}
	}
	return &dynamodb.DescribeTableOutput{Table: &dynamotypes.TableDescription{
		TableName:   in.TableName,
		TableStatus: dynamotypes.TableStatusActive,
	}}, nil
}

type fakeS3 struct {
	buckets map[string]*s3.CreateBucketInput
	blocked map[string]bool
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	name := aws.ToString(in.Bucket)
	if _, ok := f.buckets[name]; ok {
		return nil, &s3types.BucketAlreadyOwnedByYou{Message: aws.String("owned")}
	}
	f.buckets[name] = in
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutPublicAccessBlock(_ context.Context, in *s3.PutPublicAccessBlockInput, _ ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	f.blocked[aws.ToString(in.Bucket)] = aws.ToBool(in.PublicAccessBlockConfiguration.BlockPublicAcls)
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (f *fakeS3) DeleteBucket(_ context.Context, in *s3.DeleteBucketInput, _ ...func(*s3.Options)) (*s3.DeleteBucketOutput, error) {
	name := aws.ToString(in.Bucket)
	if _, ok := f.buckets[name]; !ok {
		return nil, &s3types.NoSuchBucket{Message: aws.String("missing")}
	}
	delete(f.buckets, name)
	return &s3.DeleteBucketOutput{}, nil
}

func newFakes() (*fakeSQS, *fakeDynamo, *fakeS3) {
	return newFakeSQS(),
		&fakeDynamo{tables: map[string]*dynamodb.CreateTableInput{}},
		&fakeS3{buckets: map[string]*s3.CreateBucketInput{}, blocked: map[string]bool{}}
}

func TestBootstrap(t *testing.T) {
	queueDeletePropagation = 0
	sqsClient, dynamoClient, s3Client := newFakes()

	cfg := Config{
		SQSClient:    sqsClient,
		DynamoClient: dynamoClient,
		S3Client:     s3Client,
		Environment:  "test",
		Region:       "ap-southeast-2",
	}

	res, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, queueURL("test-signplane-provisioning"), res.ProvisioningQueueURL)
	require.Equal(t, queueURL("test-signplane-provisioning-dlq"), res.DeadLetterQueueURL)
	require.Equal(t, "test_signplane_certificates", res.CertificatesTable)
	require.Equal(t, "test-signplane-key-containers", res.KeyContainerBucket)

	attrs := sqsClient.queues["test-signplane-provisioning"]
	require.Equal(t, "300", attrs[string(sqstypes.QueueAttributeNameVisibilityTimeout)])
	var redrive map[string]string
	require.NoError(t, json.Unmarshal([]byte(attrs[string(sqstypes.QueueAttributeNameRedrivePolicy)]), &redrive))
	require.Equal(t, "arn:aws:sqs:us-east-1:000000000000:test-signplane-provisioning-dlq", redrive["deadLetterTargetArn"])
	require.Equal(t, "5", redrive["maxReceiveCount"])

	table := dynamoClient.tables["test_signplane_certificates"]
	require.Equal(t, "tenant_id", aws.ToString(table.KeySchema[0].AttributeName))
	require.Equal(t, dynamotypes.BillingModePayPerRequest, table.BillingMode)

	bucket := s3Client.buckets["test-signplane-key-containers"]
	require.Equal(t, s3types.BucketLocationConstraint("ap-southeast-2"), bucket.CreateBucketConfiguration.LocationConstraint)
	require.True(t, s3Client.blocked["test-signplane-key-containers"])
}

func TestBootstrap_ReusesExisting(t *testing.T) {
	queueDeletePropagation = 0
	sqsClient, dynamoClient, s3Client := newFakes()
	cfg := Config{SQSClient: sqsClient, DynamoClient: dynamoClient, S3Client: s3Client, Environment: "dev", MaxReceiveCount: 3}

	first, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)

	second, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Empty(t, sqsClient.deleted)
	require.Empty(t, dynamoClient.deleted)

	var redrive map[string]string
	require.NoError(t, json.Unmarshal([]byte(sqsClient.queues["dev-signplane-provisioning"][string(sqstypes.QueueAttributeNameRedrivePolicy)]), &redrive))
	require.Equal(t, "3", redrive["maxReceiveCount"])

	require.Nil(t, s3Client.buckets["dev-signplane-key-containers"].CreateBucketConfiguration)
}

func TestBootstrap_Clean(t *testing.T) {
	queueDeletePropagation = 0
	sqsClient, dynamoClient, s3Client := newFakes()
	cfg := Config{SQSClient: sqsClient, DynamoClient: dynamoClient, S3Client: s3Client}

	_, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)

	cfg.CleanResources = true
	_, err = Bootstrap(context.Background(), cfg)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"dev-signplane-provisioning-dlq", "dev-signplane-provisioning"}, sqsClient.deleted)
	require.Equal(t, []string{"dev_signplane_certificates"}, dynamoClient.deleted)
}

func TestCleanup(t *testing.T) {
	queueDeletePropagation = 0
	sqsClient, dynamoClient, s3Client := newFakes()
	cfg := Config{SQSClient: sqsClient, DynamoClient: dynamoClient, S3Client: s3Client}

	res, err := Bootstrap(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, Cleanup(context.Background(), cfg, res))
	require.Empty(t, sqsClient.queues)
	require.Empty(t, dynamoClient.tables)
	require.Empty(t, s3Client.buckets)

	// already gone
	require.NoError(t, Cleanup(context.Background(), cfg, res))
}

func TestBootstrap_RequiresClients(t *testing.T) {
	_, err := Bootstrap(context.Background(), Config{})
	require.ErrorContains(t, err, "SQSClient is required")
}
