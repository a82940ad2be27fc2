package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/signplane/internal/bootstrap"
	"github.com/wolfeidau/signplane/internal/logger"
)

// BootstrapCmd creates the queue, table and bucket for an environment.
type BootstrapCmd struct {
	Environment     string `help:"environment name prefixing every resource" default:"dev" env:"SIGNPLANE_ENVIRONMENT"`
	MaxReceiveCount int    `help:"deliveries before a job moves to the dead letter queue" default:"5"`
	Clean           bool   `help:"delete and recreate existing resources" default:"false"`

	AWS AWSFlags `embed:"" prefix:"aws-"`
}

func (c *BootstrapCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	awsConfig, err := c.AWS.loadConfig(ctx)
	if err != nil {
		return err
	}

	cfg := bootstrap.Config{
		SQSClient:       c.AWS.sqsClient(awsConfig),
		DynamoClient:    c.AWS.dynamoClient(awsConfig),
		S3Client:        c.AWS.s3Client(awsConfig),
		Environment:     c.Environment,
		Region:          c.AWS.Region,
		MaxReceiveCount: c.MaxReceiveCount,
		CleanResources:  c.Clean,
	}

	log.Info().Str("environment", c.Environment).Bool("clean", c.Clean).Msg("Bootstrapping resources")

	res, err := bootstrap.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to bootstrap resources: %w", err)
	}

	fmt.Printf("SIGNPLANE_AWS_QUEUE_URL=%s\n", res.ProvisioningQueueURL)
	fmt.Printf("SIGNPLANE_AWS_DLQ_URL=%s\n", res.DeadLetterQueueURL)
	fmt.Printf("SIGNPLANE_AWS_CERTIFICATES_TABLE=%s\n", res.CertificatesTable)
	fmt.Printf("SIGNPLANE_AWS_BUCKET=%s\n", res.KeyContainerBucket)
	return nil
}
