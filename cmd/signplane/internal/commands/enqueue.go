package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/signplane/internal/logger"
	"github.com/wolfeidau/signplane/internal/models"
	"github.com/wolfeidau/signplane/internal/store"
)

type EnqueueCmd struct {
	TenantID string `help:"tenant (account) id to provision" required:""`

	AWS AWSFlags `embed:"" prefix:"aws-"`
}

func (c *EnqueueCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	if err := c.AWS.validateQueue(); err != nil {
		return err
	}

	awsConfig, err := c.AWS.loadConfig(ctx)
	if err != nil {
		return err
	}

	queue := store.NewSQSJobQueue(c.AWS.sqsClient(awsConfig), store.SQSJobQueueConfig{QueueURL: c.AWS.QueueURL})

	messageID, err := queue.Enqueue(ctx, models.ProvisioningJob{TenantID: models.TenantID(c.TenantID)})
	if err != nil {
		return fmt.Errorf("failed to enqueue provisioning job: %w", err)
	}

	log.Info().Str("tenant_id", c.TenantID).Str("message_id", messageID).Msg("Provisioning job enqueued")
	return nil
}
