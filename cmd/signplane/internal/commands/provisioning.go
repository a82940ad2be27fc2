package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/signplane/internal/artifact"
	"github.com/wolfeidau/signplane/internal/consumer"
	"github.com/wolfeidau/signplane/internal/logger"
	"github.com/wolfeidau/signplane/internal/models"
	"github.com/wolfeidau/signplane/internal/pki"
	"github.com/wolfeidau/signplane/internal/provision"
	"github.com/wolfeidau/signplane/internal/ssmcerts"
	"github.com/wolfeidau/signplane/internal/store"
	postgresstore "github.com/wolfeidau/signplane/internal/store/postgres"
)

// ProvisioningFlags is shared by consume and provision.
type ProvisioningFlags struct {
	// memory: everything in process; aws: SQS + DynamoDB + S3 with the tenant
	// directory in PostgreSQL; postgres: SQS + S3 with records and locks in
	// PostgreSQL.
	StoreType     string   `help:"store type (memory, aws, or postgres)" default:"memory" env:"SIGNPLANE_STORE_TYPE" enum:"memory,aws,postgres"`
	MemoryTenants []string `help:"tenants for the memory store as id:display name:email[:slug]" env:"SIGNPLANE_MEMORY_TENANTS"`

	OrganizationalUnit string        `help:"certificate organizational unit" default:"GetSign CA" env:"SIGNPLANE_ORGANIZATIONAL_UNIT"`
	DefaultKeyAlias    string        `help:"keystore alias used by workers" default:"signer00003" env:"SIGNPLANE_DEFAULT_KEY_ALIAS"`
	Location           string        `help:"signature location written by signing workers" default:"" env:"SIGNPLANE_SIGNATURE_LOCATION"`
	ConfirmTimeout     time.Duration `help:"how long to wait for a created worker to report" default:"30s" env:"SIGNPLANE_CONFIRM_TIMEOUT"`

	AWS        AWSFlags        `embed:"" prefix:"aws-"`
	Postgres   PostgresFlags   `embed:"" prefix:"postgres-"`
	SignServer SignServerFlags `embed:"" prefix:"signserver-"`
	Issuer     IssuerFlags     `embed:"" prefix:"issuer-"`
	Telemetry  TelemetryFlags  `embed:""`
}

type provisioningStack struct {
	orchestrator *provision.Orchestrator
	queue        store.JobQueue
	closers      []func()
}

func (s *provisioningStack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (p *ProvisioningFlags) build(ctx context.Context, log zerolog.Logger) (*provisioningStack, error) {
	stack := &provisioningStack{}

	awsConfig, err := p.AWS.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	loader := ssmcerts.NewLoader(p.AWS.ssmClient(awsConfig))

	var (
		tenants      store.TenantDirectory
		certificates store.CertificateStore
		objects      artifact.ObjectStore
		locker       store.Locker
	)

	switch p.StoreType {
	case "aws", "postgres":
		if p.StoreType == "aws" {
			if err := p.AWS.validateStores(); err != nil {
				return nil, fmt.Errorf("failed to validate aws flags: %w", err)
			}
		} else {
			if err := p.AWS.validateQueue(); err != nil {
				return nil, fmt.Errorf("failed to validate aws flags: %w", err)
			}
			if p.AWS.Bucket == "" {
				return nil, errors.New("S3 bucket is required (--aws-bucket or SIGNPLANE_AWS_BUCKET)")
			}
		}

		pool, err := p.Postgres.pool(ctx, log)
		if err != nil {
			return nil, err
		}
		stack.closers = append(stack.closers, pool.Close)

		tenants = postgresstore.NewTenantDirectory(pool)
		locker = postgresstore.NewAdvisoryLocker(pool)
		if p.StoreType == "aws" {
			certificates = store.NewDynamoDBCertificateStore(p.AWS.dynamoClient(awsConfig), p.AWS.CertificatesTable)
			log.Info().Str("table", p.AWS.CertificatesTable).Msg("Using DynamoDB certificate store")
		} else {
			certificates = postgresstore.NewCertificateStore(pool)
			log.Info().Msg("Using PostgreSQL certificate store")
		}

		objects = artifact.NewS3ObjectStore(p.AWS.s3Client(awsConfig), p.AWS.Bucket)
		stack.queue = store.NewSQSJobQueue(p.AWS.sqsClient(awsConfig), store.SQSJobQueueConfig{
			QueueURL:          p.AWS.QueueURL,
			VisibilityTimeout: p.AWS.VisibilityTimeout,
		})

	default:
		seeded, err := parseMemoryTenants(p.MemoryTenants)
		if err != nil {
			return nil, err
		}
		tenants = store.NewMemoryTenantDirectory(seeded...)
		certificates = store.NewMemoryCertificateStore()
		objects = artifact.NewMemoryObjectStore()
		locker = store.NewMemoryLocker()
		stack.queue = store.NewMemoryJobQueue(5 * time.Minute)
		log.Info().Int("tenants", len(seeded)).Msg("Using in-memory stores")
	}

	runner, closeRunner, err := p.SignServer.runner(log)
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.closers = append(stack.closers, closeRunner)

	generator, err := p.Issuer.generator(ctx, loader, func() pki.KMSAPI { return p.AWS.kmsClient(awsConfig) })
	if err != nil {
		stack.Close()
		return nil, fmt.Errorf("failed to configure certificate issuer: %w", err)
	}

	orchestrator, err := provision.NewOrchestrator(provision.Dependencies{
		Tenants:      tenants,
		Certificates: certificates,
		KeyMaterial:  generator,
		Stager:       p.SignServer.stager(objects, runner, p.AWS.ObjectPrefix, log),
		ControlPlane: p.SignServer.controlPlane(runner, log),
		Locker:       locker,
	}, provision.Config{
		OrganizationalUnit: p.OrganizationalUnit,
		DefaultKeyAlias:    p.DefaultKeyAlias,
		Location:           p.Location,
		ConfirmTimeout:     p.ConfirmTimeout,
	}, log)
	if err != nil {
		stack.Close()
		return nil, err
	}
	stack.orchestrator = orchestrator

	return stack, nil
}

// parseMemoryTenants reads "id:display name:email[:slug]" entries. The slug
// becomes the certificate organization.
func parseMemoryTenants(entries []string) ([]models.Tenant, error) {
	tenants := make([]models.Tenant, 0, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) < 3 || parts[0] == "" {
			return nil, fmt.Errorf("invalid memory tenant %q, expected id:display name:email[:slug]", entry)
		}
		tenant := models.Tenant{
			ID:          models.TenantID(parts[0]),
			DisplayName: parts[1],
			Email:       parts[2],
		}
		if len(parts) == 4 {
			tenant.Slug = parts[3]
		}
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

type ConsumeCmd struct {
	ProvisioningFlags `embed:""`

	MaxMessages int           `help:"messages per receive" default:"5" env:"SIGNPLANE_CONSUMER_MAX_MESSAGES"`
	WaitTime    time.Duration `help:"long poll wait" default:"20s" env:"SIGNPLANE_CONSUMER_WAIT_TIME"`
	ErrorDelay  time.Duration `help:"pause after a failed receive" default:"5s" env:"SIGNPLANE_CONSUMER_ERROR_DELAY"`
}

func (c *ConsumeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	log.Info().Str("version", globals.Version).Str("store_type", c.StoreType).Msg("Starting provisioning consumer")

	defer c.Telemetry.start(ctx, log, "signplane-consumer", globals.Version)()

	stack, err := c.build(ctx, log)
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, stop := signalContext(ctx)
	defer stop()

	return consumer.New(stack.queue, stack.orchestrator, consumer.Config{
		MaxMessages: c.MaxMessages,
		WaitTime:    c.WaitTime,
		ErrorDelay:  c.ErrorDelay,
	}, log).Run(ctx)
}

type ProvisionCmd struct {
	ProvisioningFlags `embed:""`

	TenantID string `help:"tenant (account) id to provision" required:""`
}

func (c *ProvisionCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	stack, err := c.build(ctx, log)
	if err != nil {
		return err
	}
	defer stack.Close()

	result, err := stack.orchestrator.Provision(ctx, models.ProvisioningJob{TenantID: models.TenantID(c.TenantID)})
	if err != nil {
		return err
	}

	steps := make([]string, 0, len(result.Steps))
	for _, s := range result.Steps {
		steps = append(steps, string(s))
	}
	log.Info().
		Str("tenant_id", c.TenantID).
		Str("outcome", string(result.Outcome)).
		Strs("steps", steps).
		Msg("Provisioning finished")

	return nil
}
