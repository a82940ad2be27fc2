package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	postgresstore "github.com/wolfeidau/signplane/internal/store/postgres"
	"github.com/wolfeidau/signplane/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Version string
}

// AWSFlags configures AWS clients. EndpointURL points every client at
// LocalStack during development.
type AWSFlags struct {
	Region      string `help:"AWS region" default:"us-east-1" env:"AWS_REGION"`
	EndpointURL string `help:"endpoint URL override for all AWS services (for LocalStack)" default:"" env:"SIGNPLANE_AWS_ENDPOINT_URL"`
	Local       bool   `help:"use static LocalStack credentials" default:"false" env:"SIGNPLANE_AWS_LOCAL"`

	QueueURL          string        `help:"SQS provisioning queue URL" env:"SIGNPLANE_AWS_QUEUE_URL"`
	VisibilityTimeout time.Duration `help:"visibility timeout for received jobs, 0 keeps the queue default" default:"0s" env:"SIGNPLANE_AWS_VISIBILITY_TIMEOUT"`
	CertificatesTable string        `help:"DynamoDB certificate record table" env:"SIGNPLANE_AWS_CERTIFICATES_TABLE"`
	Bucket            string        `help:"S3 bucket for key containers" env:"SIGNPLANE_AWS_BUCKET"`
	ObjectPrefix      string        `help:"S3 key prefix for key containers" default:"p12" env:"SIGNPLANE_AWS_OBJECT_PREFIX"`
}

func (f *AWSFlags) loadConfig(ctx context.Context) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(f.Region)}
	if f.Local {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

func (f *AWSFlags) sqsClient(cfg aws.Config) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if f.EndpointURL != "" {
			o.BaseEndpoint = aws.String(f.EndpointURL)
		}
	})
}

func (f *AWSFlags) dynamoClient(cfg aws.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if f.EndpointURL != "" {
			o.BaseEndpoint = aws.String(f.EndpointURL)
		}
	})
}

func (f *AWSFlags) s3Client(cfg aws.Config) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if f.EndpointURL != "" {
			o.BaseEndpoint = aws.String(f.EndpointURL)
			o.UsePathStyle = true
		}
	})
}

func (f *AWSFlags) ssmClient(cfg aws.Config) *ssm.Client {
	return ssm.NewFromConfig(cfg, func(o *ssm.Options) {
		if f.EndpointURL != "" {
			o.BaseEndpoint = aws.String(f.EndpointURL)
		}
	})
}

func (f *AWSFlags) kmsClient(cfg aws.Config) *kms.Client {
	return kms.NewFromConfig(cfg, func(o *kms.Options) {
		if f.EndpointURL != "" {
			o.BaseEndpoint = aws.String(f.EndpointURL)
		}
	})
}

func (f *AWSFlags) validateQueue() error {
	if f.QueueURL == "" {
		return errors.New("SQS queue URL is required (--aws-queue-url or SIGNPLANE_AWS_QUEUE_URL)")
	}
	return nil
}

// validateStores checks the flags needed by the aws store type.
func (f *AWSFlags) validateStores() error {
	if err := f.validateQueue(); err != nil {
		return err
	}
	if f.CertificatesTable == "" {
		return errors.New("DynamoDB certificates table is required (--aws-certificates-table or SIGNPLANE_AWS_CERTIFICATES_TABLE)")
	}
	if f.Bucket == "" {
		return errors.New("S3 bucket is required (--aws-bucket or SIGNPLANE_AWS_BUCKET)")
	}
	return nil
}

type PostgresFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	MaxConns        int32         `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"1"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"SIGNPLANE_POSTGRES_AUTO_MIGRATE"`
}

func (f *PostgresFlags) Validate() error {
	if f.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

func (f *PostgresFlags) pool(ctx context.Context, log zerolog.Logger) (*pgxpool.Pool, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate postgres flags: %w", err)
	}

	pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
		ConnString:      f.ConnString,
		MaxConns:        f.MaxConns,
		MinConns:        f.MinConns,
		MaxConnLifetime: f.MaxConnLifetime,
		MaxConnIdleTime: f.MaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if f.AutoMigrate {
		if err := postgresstore.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	return pool, nil
}

// TelemetryFlags enables OTLP export.
type TelemetryFlags struct {
	Tracing     bool    `help:"enable OpenTelemetry traces and metrics" default:"false" env:"SIGNPLANE_TRACING"`
	SampleRatio float64 `help:"trace sample ratio" default:"1" env:"SIGNPLANE_TRACE_SAMPLE_RATIO"`
}

// start initialises telemetry and returns the shutdown to defer. Failures are
// logged and the command continues without export.
func (f *TelemetryFlags) start(ctx context.Context, log zerolog.Logger, service, version string) func() {
	if !f.Tracing {
		return func() {}
	}

	log.Info().Msg("Tracing is enabled")
	shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		ServiceName: service,
		Version:     version,
		SampleRatio: f.SampleRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
