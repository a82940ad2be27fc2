// Package provision drives a tenant from "unknown" to "fully provisioned" on
// the signing appliance. Every step derives its state from the tenant
// directory, the certificate store and the appliance, so a job can be
// redelivered at any point and resume where the previous attempt stopped.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/signplane/internal/artifact"
	"github.com/wolfeidau/signplane/internal/models"
	"github.com/wolfeidau/signplane/internal/pki"
	"github.com/wolfeidau/signplane/internal/signserver"
	"github.com/wolfeidau/signplane/internal/store"
	"github.com/wolfeidau/signplane/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrTenantDirectory       = errors.New("tenant directory lookup failed")
	ErrKeyMaterialGeneration = errors.New("key material generation failed")
	ErrArtifactStaging       = errors.New("artifact staging failed")
	ErrControlPlane          = errors.New("control plane operation failed")
	ErrCertificateStore      = errors.New("certificate store operation failed")
)

var errWorkerNotReady = errors.New("worker not reported present yet")

// Outcome summarises how a job was handled.
type Outcome string

const (
	OutcomeProvisioned        Outcome = "provisioned"
	OutcomeAlreadyProvisioned Outcome = "already_provisioned"
	OutcomeTenantUnknown      Outcome = "tenant_unknown"
)

// Step is a mutation performed while handling a job.
type Step string

const (
	StepCertificateCreated Step = "certificate_created"
	StepCertificateAdopted Step = "certificate_adopted"
	StepCryptoTokenCreated Step = "crypto_token_created"
	StepSignerCreated      Step = "signer_created"
	StepWorkersRecorded    Step = "workers_recorded"
)

// Result reports what a Provision call did.
type Result struct {
	TenantID models.TenantID
	Outcome  Outcome
	Steps    []Step
	Workers  models.WorkerIDs
}

// HasStep reports whether s was executed.
func (r *Result) HasStep(s Step) bool {
	for _, step := range r.Steps {
		if step == s {
			return true
		}
	}
	return false
}

// KeyMaterialGenerator mints the tenant's keystore.
type KeyMaterialGenerator interface {
	Generate(ctx context.Context, subject pki.Subject) (*pki.KeyMaterial, error)
}

// Dependencies are the collaborators the orchestrator drives.
type Dependencies struct {
	Tenants      store.TenantDirectory
	Certificates store.CertificateStore
	KeyMaterial  KeyMaterialGenerator
	Stager       artifact.Stager
	ControlPlane signserver.ControlPlane
	// Locker serialises runs for the same tenant. Optional.
	Locker store.Locker
}

func (d Dependencies) validate() error {
	if d.Tenants == nil || d.Certificates == nil || d.KeyMaterial == nil || d.Stager == nil || d.ControlPlane == nil {
		return errors.New("provision: tenants, certificates, key material, stager and control plane are required")
	}
	return nil
}

// Config tunes certificate subjects and worker configuration.
type Config struct {
	OrganizationalUnit string
	// DefaultKeyAlias is the keystore alias workers sign with.
	DefaultKeyAlias string
	// Location is written to signatures when set.
	Location string
	// ConfirmInterval and ConfirmTimeout bound polling for a created worker.
	ConfirmInterval time.Duration
	ConfirmTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.OrganizationalUnit == "" {
		c.OrganizationalUnit = "GetSign CA"
	}
	if c.DefaultKeyAlias == "" {
		c.DefaultKeyAlias = "signer00003"
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = 500 * time.Millisecond
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
}

// Orchestrator provisions tenants.
type Orchestrator struct {
	deps        Dependencies
	cfg         Config
	logger      zerolog.Logger
	newFileName func(models.TenantID) string
}

func NewOrchestrator(deps Dependencies, cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Locker == nil {
		deps.Locker = store.NopLocker{}
	}
	cfg.applyDefaults()

	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		newFileName: func(id models.TenantID) string {
			return fmt.Sprintf("%s-%s.p12", id, uuid.NewString())
		},
	}, nil
}

// Provision advances the job's tenant to fully provisioned. An unknown tenant
// is not an error.
func (o *Orchestrator) Provision(ctx context.Context, job models.ProvisioningJob) (*Result, error) {
	res := &Result{TenantID: job.TenantID, Workers: models.WorkerIDsFor(job.TenantID)}
	logger := o.logger.With().Str("tenant_id", job.TenantID.String()).Logger()

	tenant, err := o.deps.Tenants.Lookup(ctx, job.TenantID)
	if errors.Is(err, store.ErrTenantNotFound) {
		logger.Info().Msg("tenant not found, nothing to provision")
		res.Outcome = OutcomeTenantUnknown
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTenantDirectory, err)
	}

	unlock, err := o.deps.Locker.Lock(ctx, "provision:"+tenant.ID.String())
	if err != nil {
		return nil, fmt.Errorf("acquire tenant lock: %w", err)
	}
	defer unlock()

	rec, err := o.deps.Certificates.FindByTenant(ctx, tenant.ID)
	switch {
	case errors.Is(err, store.ErrCertificateNotFound):
		rec, err = o.createCertificate(ctx, tenant, res, logger)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("%w: find certificate: %w", ErrCertificateStore, err)
	}

	if rec.FullyProvisioned() {
		logger.Debug().Msg("tenant already provisioned")
		res.Outcome = OutcomeAlreadyProvisioned
		return res, nil
	}

	tokenCreated, err := o.ensureCryptoToken(ctx, rec, res, logger)
	if err != nil {
		return nil, err
	}

	if err := o.ensureSigner(ctx, tokenCreated, res, logger); err != nil {
		return nil, err
	}

	if err := o.deps.Certificates.UpdateWorkers(ctx, tenant.ID, res.Workers.CryptoToken, res.Workers.Signer); err != nil {
		return nil, fmt.Errorf("%w: record workers: %w", ErrCertificateStore, err)
	}
	res.Steps = append(res.Steps, StepWorkersRecorded)
	res.Outcome = OutcomeProvisioned

	logger.Info().
		Str("crypto_token_worker_id", res.Workers.CryptoToken).
		Str("signing_worker_id", res.Workers.Signer).
		Msg("tenant provisioned")

	return res, nil
}

// createCertificate mints and stages key material, then inserts the record.
// A concurrent run that inserted first wins and its record is returned.
func (o *Orchestrator) createCertificate(ctx context.Context, tenant *models.Tenant, res *Result, logger zerolog.Logger) (*models.CertificateRecord, error) {
	km, err := o.deps.KeyMaterial.Generate(ctx, pki.Subject{
		TenantID:           tenant.ID,
		CommonName:         tenant.CommonName(),
		Organization:       tenant.Slug,
		OrganizationalUnit: o.cfg.OrganizationalUnit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyMaterialGeneration, err)
	}

	staged, err := o.deps.Stager.Stage(ctx, o.newFileName(tenant.ID), km.Container)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactStaging, err)
	}

	rec := &models.CertificateRecord{
		TenantID:             tenant.ID,
		KeyContainerURL:      staged.ObjectKey,
		KeyContainerFileName: staged.FileName,
		Passphrase:           km.Passphrase,
		AppliancePath:        staged.AppliancePath,
	}

	err = o.deps.Certificates.Create(ctx, rec)
	switch {
	case err == nil:
		res.Steps = append(res.Steps, StepCertificateCreated)
		telemetry.GetMetrics().CertificatesCreatedTotal.Add(ctx, 1)
		logger.Info().Str("file_name", staged.FileName).Msg("certificate created")
		return rec, nil
	case errors.Is(err, store.ErrCertificateExists):
		if derr := o.deps.Stager.Discard(ctx, staged); derr != nil {
			logger.Warn().Err(derr).Str("file_name", staged.FileName).Msg("failed to discard superseded key material")
		}
		winner, err := o.deps.Certificates.FindByTenant(ctx, tenant.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: load concurrently created certificate: %w", ErrCertificateStore, err)
		}
		res.Steps = append(res.Steps, StepCertificateAdopted)
		telemetry.GetMetrics().CertificatesAdoptedTotal.Add(ctx, 1)
		logger.Info().Str("file_name", winner.KeyContainerFileName).Msg("adopted concurrently created certificate")
		return winner, nil
	default:
		if derr := o.deps.Stager.Discard(ctx, staged); derr != nil {
			logger.Warn().Err(derr).Str("file_name", staged.FileName).Msg("failed to discard unrecorded key material")
		}
		return nil, fmt.Errorf("%w: create certificate: %w", ErrCertificateStore, err)
	}
}

func (o *Orchestrator) ensureCryptoToken(ctx context.Context, rec *models.CertificateRecord, res *Result, logger zerolog.Logger) (bool, error) {
	id := res.Workers.CryptoToken

	exists, err := o.deps.ControlPlane.WorkerExists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: check crypto token %s: %w", ErrControlPlane, id, err)
	}
	if exists {
		return false, nil
	}

	err = o.deps.ControlPlane.CreateCryptoToken(ctx, signserver.CryptoTokenParams{
		WorkerID:         id,
		Name:             id,
		KeystorePath:     rec.AppliancePath,
		KeystorePassword: rec.Passphrase,
		DefaultKey:       o.cfg.DefaultKeyAlias,
	})
	if err != nil {
		return false, fmt.Errorf("%w: create crypto token %s: %w", ErrControlPlane, id, err)
	}

	if err := o.confirmWorker(ctx, id, logger); err != nil {
		return false, err
	}

	res.Steps = append(res.Steps, StepCryptoTokenCreated)
	telemetry.GetMetrics().WorkersCreatedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("role", "crypto_token")))
	logger.Info().Str("worker_id", id).Msg("crypto token created")
	return true, nil
}

// ensureSigner creates the signing worker when absent. An existing signer is
// reloaded when its crypto token was just recreated so it binds the new token.
func (o *Orchestrator) ensureSigner(ctx context.Context, tokenCreated bool, res *Result, logger zerolog.Logger) error {
	id := res.Workers.Signer

	exists, err := o.deps.ControlPlane.WorkerExists(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: check signer %s: %w", ErrControlPlane, id, err)
	}
	if exists {
		if tokenCreated {
			if err := o.deps.ControlPlane.Reload(ctx, id); err != nil {
				return fmt.Errorf("%w: reload signer %s: %w", ErrControlPlane, id, err)
			}
		}
		return nil
	}

	err = o.deps.ControlPlane.CreateSigningWorker(ctx, signserver.SigningWorkerParams{
		WorkerID:    id,
		CryptoToken: res.Workers.CryptoToken,
		DefaultKey:  o.cfg.DefaultKeyAlias,
		Location:    o.cfg.Location,
	})
	if err != nil {
		return fmt.Errorf("%w: create signer %s: %w", ErrControlPlane, id, err)
	}

	if err := o.confirmWorker(ctx, id, logger); err != nil {
		return err
	}

	res.Steps = append(res.Steps, StepSignerCreated)
	telemetry.GetMetrics().WorkersCreatedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("role", "signer")))
	logger.Info().Str("worker_id", id).Msg("signing worker created")
	return nil
}

// confirmWorker polls until the appliance reports the worker present.
func (o *Orchestrator) confirmWorker(ctx context.Context, id string, logger zerolog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.ConfirmInterval

	_, err := backoff.Retry(ctx, func() (bool, error) {
		exists, err := o.deps.ControlPlane.WorkerExists(ctx, id)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, errWorkerNotReady
		}
		return true, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(o.cfg.ConfirmTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug().Err(err).Str("worker_id", id).Dur("retry_in", next).Msg("waiting for worker")
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: confirm worker %s: %w", ErrControlPlane, id, err)
	}
	return nil
}
