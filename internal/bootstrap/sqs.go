package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// queueDeletePropagation is how long SQS takes before a deleted queue name
// can be reused.
var queueDeletePropagation = 2 * time.Second

// CreateQueues creates the provisioning queue and its dead letter queue and
// returns both URLs. Jobs move to the dead letter queue after maxReceive
// failed deliveries.
func CreateQueues(ctx context.Context, client SQSAPI, env string, maxReceive int, cleanResources bool) (queueURL, dlqURL string, err error) {
	queueName := fmt.Sprintf("%s-signplane-provisioning", env)
	dlqName := queueName + "-dlq"

	dlqURL, err = ensureQueue(ctx, client, dlqName, map[string]string{
		string(types.QueueAttributeNameMessageRetentionPeriod): "1209600", // 14 days
	}, cleanResources)
	if err != nil {
		return "", "", err
	}

	attrs, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(dlqURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to read dead letter queue arn: %w", err)
	}
	dlqARN := attrs.Attributes[string(types.QueueAttributeNameQueueArn)]
	if dlqARN == "" {
		return "", "", fmt.Errorf("dead letter queue %s has no arn", dlqName)
	}

	redrive, err := json.Marshal(map[string]string{
		"deadLetterTargetArn": dlqARN,
		"maxReceiveCount":     strconv.Itoa(maxReceive),
	})
	if err != nil {
		return "", "", err
	}

	queueAttrs := map[string]string{
		// covers a provisioning run including worker confirmation retries
		string(types.QueueAttributeNameVisibilityTimeout): "300",
		string(types.QueueAttributeNameRedrivePolicy):     string(redrive),
	}

	queueURL, err = ensureQueue(ctx, client, queueName, queueAttrs, cleanResources)
	if err != nil {
		return "", "", err
	}

	// an existing queue keeps its old attributes unless they are set again
	if _, err := client.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(queueURL),
		Attributes: queueAttrs,
	}); err != nil {
		return "", "", fmt.Errorf("failed to configure queue %s: %w", queueName, err)
	}

	return queueURL, dlqURL, nil
}

func ensureQueue(ctx context.Context, client SQSAPI, queueName string, attrs map[string]string, cleanResources bool) (string, error) {
	if cleanResources {
		if err := deleteQueueIfExists(ctx, client, queueName); err != nil {
			return "", fmt.Errorf("failed to delete existing queue %s: %w", queueName, err)
		}
	}

	createResp, err := client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(queueName),
		Attributes: attrs,
	})
	if err != nil {
		if !cleanResources && queueExists(err) {
			getURLResp, getErr := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
				QueueName: aws.String(queueName),
			})
			if getErr != nil {
				return "", fmt.Errorf("failed to get existing queue %s: %w", queueName, getErr)
			}
			return aws.ToString(getURLResp.QueueUrl), nil
		}
		return "", fmt.Errorf("failed to create queue %s: %w", queueName, err)
	}

	return aws.ToString(createResp.QueueUrl), nil
}

func queueExists(err error) bool {
	var nameExists *types.QueueNameExists
	if errors.As(err, &nameExists) {
		return true
	}
	// LocalStack reports the legacy query protocol code
	return strings.Contains(err.Error(), "QueueAlreadyExists")
}

func queueMissing(err error) bool {
	var missing *types.QueueDoesNotExist
	if errors.As(err, &missing) {
		return true
	}
	return strings.Contains(err.Error(), "NonExistentQueue")
}

func deleteQueueIfExists(ctx context.Context, client SQSAPI, queueName string) error {
	getURLResp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		if queueMissing(err) {
			return nil
		}
		return err
	}

	if _, err := client.DeleteQueue(ctx, &sqs.DeleteQueueInput{
		QueueUrl: getURLResp.QueueUrl,
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(queueDeletePropagation):
		return nil
	}
}

// DeleteQueues removes the queues created by CreateQueues
func DeleteQueues(ctx context.Context, client SQSAPI, queueURLs ...string) error {
	for _, queueURL := range queueURLs {
		if queueURL == "" {
			continue
		}
		_, err := client.DeleteQueue(ctx, &sqs.DeleteQueueInput{
			QueueUrl: aws.String(queueURL),
		})
		if err != nil && !queueMissing(err) {
			return fmt.Errorf("failed to delete queue %s: %w", queueURL, err)
		}
	}
	return nil
}
