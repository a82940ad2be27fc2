// Package consumer long-polls the provisioning queue and hands each job to the
// orchestrator. Redelivery after the visibility timeout is the only retry.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/signplane/internal/models"
	"github.com/wolfeidau/signplane/internal/provision"
	"github.com/wolfeidau/signplane/internal/store"
	"github.com/wolfeidau/signplane/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxMessages = 5
	DefaultWaitTime    = 20 * time.Second
	DefaultErrorDelay  = 5 * time.Second
)

// Provisioner handles one job.
type Provisioner interface {
	Provision(ctx context.Context, job models.ProvisioningJob) (*provision.Result, error)
}

// Config tunes polling.
type Config struct {
	MaxMessages int
	WaitTime    time.Duration
	ErrorDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.WaitTime <= 0 {
		c.WaitTime = DefaultWaitTime
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = DefaultErrorDelay
	}
}

// Consumer runs the receive, provision, delete loop.
type Consumer struct {
	queue       store.JobQueue
	provisioner Provisioner
	cfg         Config
	logger      zerolog.Logger
}

func New(queue store.JobQueue, provisioner Provisioner, cfg Config, logger zerolog.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		queue:       queue,
		provisioner: provisioner,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run polls until ctx is cancelled. A job already being provisioned when ctx
// is cancelled runs to completion.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().
		Int("max_messages", c.cfg.MaxMessages).
		Dur("wait_time", c.cfg.WaitTime).
		Msg("consumer started")

	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("consumer stopped")
			return nil
		}

		msgs, err := c.queue.Receive(ctx, c.cfg.MaxMessages, c.cfg.WaitTime)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			telemetry.GetMetrics().QueuePollErrorsTotal.Add(ctx, 1)
			c.logger.Error().Err(err).Dur("retry_in", c.cfg.ErrorDelay).Msg("failed to receive messages")
			sleep(ctx, c.cfg.ErrorDelay)
			continue
		}

		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

// handle processes one message. The orchestrator runs on a context detached
// from loop cancellation.
func (c *Consumer) handle(ctx context.Context, msg store.Message) {
	metrics := telemetry.GetMetrics()
	metrics.JobsReceivedTotal.Add(ctx, 1)

	logger := c.logger.With().
		Str("message_id", msg.ID).
		Int("receive_count", msg.ReceiveCount).
		Logger()

	jobCtx := context.WithoutCancel(ctx)

	job, err := models.ParseProvisioningJob(msg.Body)
	if err != nil {
		metrics.JobsDroppedTotal.Add(jobCtx, 1)
		logger.Warn().Err(err).Msg("dropping unparseable message")
		c.delete(jobCtx, msg, logger)
		return
	}

	logger = logger.With().Str("tenant_id", job.TenantID.String()).Logger()
	start := time.Now()

	res, err := c.provisioner.Provision(jobCtx, job)
	duration := time.Since(start)
	metrics.JobDuration.Record(jobCtx, float64(duration.Milliseconds()))

	if err != nil {
		metrics.JobsFailedTotal.Add(jobCtx, 1, metric.WithAttributes(attribute.String("reason", failureReason(err))))
		logger.Error().Err(err).Dur("duration", duration).Msg("provisioning failed, leaving message for redelivery")
		return
	}

	metrics.JobsProvisionedTotal.Add(jobCtx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
	logger.Info().
		Str("outcome", string(res.Outcome)).
		Int("steps", len(res.Steps)).
		Dur("duration", duration).
		Msg("job handled")

	c.delete(jobCtx, msg, logger)
}

func (c *Consumer) delete(ctx context.Context, msg store.Message, logger zerolog.Logger) {
	if err := c.queue.Delete(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("failed to delete message, it will be redelivered")
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, provision.ErrTenantDirectory):
		return "tenant_directory"
	case errors.Is(err, provision.ErrKeyMaterialGeneration):
		return "key_material"
	case errors.Is(err, provision.ErrArtifactStaging):
		return "artifact_staging"
	case errors.Is(err, provision.ErrControlPlane):
		return "control_plane"
	case errors.Is(err, provision.ErrCertificateStore):
		return "certificate_store"
	default:
		return "other"
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
