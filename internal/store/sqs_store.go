package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/signplane/internal/models"
	"github.com/wolfeidau/signplane/internal/util"
)

// SQSAPI is the subset of the SQS client used by SQSJobQueue.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSJobQueueConfig holds the configuration for SQSJobQueue
type SQSJobQueueConfig struct {
	QueueURL string

	// VisibilityTimeout overrides the queue default when non-zero.
	VisibilityTimeout time.Duration
}

// SQSJobQueue implements JobQueue using AWS SQS
type SQSJobQueue struct {
	client SQSAPI
	cfg    SQSJobQueueConfig
}

var _ JobQueue = (*SQSJobQueue)(nil)

// NewSQSJobQueue creates a new SQS-backed job queue
func NewSQSJobQueue(client SQSAPI, cfg SQSJobQueueConfig) *SQSJobQueue {
	return &SQSJobQueue{
		client: client,
		cfg:    cfg,
	}
}

// Receive long-polls the queue for up to maxMessages messages
func (q *SQSJobQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: util.AsInt32(max(1, min(maxMessages, sqsMaxMessages))),
		WaitTimeSeconds:     util.AsInt32(min(int(wait/time.Second), sqsMaxWaitSeconds)),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if q.cfg.VisibilityTimeout > 0 {
		input.VisibilityTimeout = util.AsInt32(min(int(q.cfg.VisibilityTimeout/time.Second), sqsMaxVisibilitySecs))
	}

	output, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, wrapAWSError(err, "failed to receive messages from SQS")
	}

	if len(output.Messages) == 0 {
		return nil, nil
	}

	messages := make([]Message, 0, len(output.Messages))
	for _, m := range output.Messages {
		receiveCount, _ := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiveCount:  receiveCount,
		})
	}

	log.Debug().Int("count", len(messages)).Str("queue_url", q.cfg.QueueURL).Msg("received messages")

	return messages, nil
}

// Delete removes a message from the queue
func (q *SQSJobQueue) Delete(ctx context.Context, msg Message) error {
	if msg.ReceiptHandle == "" {
		return fmt.Errorf("%w: empty receipt handle", ErrReceiptInvalid)
	}

	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return wrapAWSError(err, "failed to delete message from SQS")
	}

	return nil
}

// Enqueue sends a provisioning job to the queue
func (q *SQSJobQueue) Enqueue(ctx context.Context, job models.ProvisioningJob) (string, error) {
	body, err := job.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	output, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", wrapAWSError(err, "failed to send message to SQS")
	}

	log.Info().Str("tenant_id", job.TenantID.String()).Str("message_id", aws.ToString(output.MessageId)).Msg("provisioning job enqueued")

	return aws.ToString(output.MessageId), nil
}
