package signserver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/signplane/internal/docker"
	"github.com/wolfeidau/signplane/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultBinary is the SignServer admin CLI path in the Keyfactor image.
const DefaultBinary = "/opt/keyfactor/signserver/bin/signserver"

// ErrControlPlane is returned when an administrative command fails or its
// output cannot be interpreted.
var ErrControlPlane = errors.New("signserver control plane error")

// noSuchWorker matches the CLI's report for an unknown worker id or name.
var noSuchWorker = regexp.MustCompile(`(?i)(no such worker|no worker with|worker .* does not exist|unknown worker|could not find worker)`)

// ControlPlane is the administrative surface of the signing appliance.
type ControlPlane interface {
	// WorkerExists reports false only when the appliance definitively reports
	// the worker as absent or in error.
	WorkerExists(ctx context.Context, workerID string) (bool, error)
	CreateCryptoToken(ctx context.Context, params CryptoTokenParams) error
	CreateSigningWorker(ctx context.Context, params SigningWorkerParams) error
	RemoveWorker(ctx context.Context, workerID string) error
	Reload(ctx context.Context, workerID string) error
}

// CryptoTokenParams configures a keystore-backed crypto worker.
type CryptoTokenParams struct {
	WorkerID         string
	Name             string
	KeystorePath     string
	KeystorePassword string
	DefaultKey       string
}

// Validate checks that all required fields are provided.
func (p CryptoTokenParams) Validate() error {
	if p.WorkerID == "" || p.KeystorePath == "" || p.KeystorePassword == "" || p.DefaultKey == "" {
		return fmt.Errorf("%w: crypto token requires worker id, keystore path, password and default key", ErrControlPlane)
	}
	return nil
}

// SigningWorkerParams configures a PDF signer bound to a crypto worker.
type SigningWorkerParams struct {
	WorkerID    string
	CryptoToken string
	DefaultKey  string
	Location    string
}

// Validate checks that all required fields are provided.
func (p SigningWorkerParams) Validate() error {
	if p.WorkerID == "" || p.CryptoToken == "" || p.DefaultKey == "" {
		return fmt.Errorf("%w: signing worker requires worker id, crypto token and default key", ErrControlPlane)
	}
	return nil
}

type property struct {
	key   string
	value string
}

func (p CryptoTokenParams) properties() []property {
	name := p.Name
	if name == "" {
		name = p.WorkerID
	}
	return []property{
		{"NAME", name},
		{"TYPE", "CRYPTO_WORKER"},
		{"KEYSTORETYPE", "PKCS12"},
		{"IMPLEMENTATION_CLASS", "org.signserver.server.signers.CryptoWorker"},
		{"CRYPTOTOKEN_IMPLEMENTATION_CLASS", "org.signserver.server.cryptotokens.KeystoreCryptoToken"},
		{"KEYSTOREPATH", p.KeystorePath},
		{"KEYSTOREPASSWORD", p.KeystorePassword},
		{"DEFAULTKEY", p.DefaultKey},
		{"AUTOACTIVATE", "true"},
	}
}

func (p SigningWorkerParams) properties() []property {
	props := []property{
		{"TYPE", "PROCESSABLE"},
		{"IMPLEMENTATION_CLASS", "org.signserver.module.pdfsigner.PDFSigner"},
		{"WORKERCLASS", "org.signserver.module.pdfsigner.PDFSigner"},
		{"NAME", p.WorkerID},
		{"AUTHTYPE", "NOAUTH"},
		{"CRYPTOTOKEN", p.CryptoToken},
		{"DEFAULTKEY", p.DefaultKey},
		{"DIGESTALGORITHM", "SHA256"},
		{"ADD_VISIBLE_SIGNATURE", "false"},
	}
	if p.Location != "" {
		props = append(props, property{"LOCATION", p.Location})
	}
	return props
}

// CLIControlPlane drives the appliance through its admin CLI.
type CLIControlPlane struct {
	runner docker.Runner
	binary string
	logger zerolog.Logger
}

var _ ControlPlane = (*CLIControlPlane)(nil)

// NewCLIControlPlane returns a control plane that runs binary through runner.
// An empty binary uses DefaultBinary.
func NewCLIControlPlane(runner docker.Runner, binary string, logger zerolog.Logger) *CLIControlPlane {
	if binary == "" {
		binary = DefaultBinary
	}
	return &CLIControlPlane{runner: runner, binary: binary, logger: logger}
}

func (c *CLIControlPlane) WorkerExists(ctx context.Context, workerID string) (bool, error) {
	if workerID == "" {
		return false, fmt.Errorf("%w: worker id is required", ErrControlPlane)
	}

	res, err := c.run(ctx, "getstatus", "brief", workerID)
	if err != nil {
		var exitErr *docker.ExitError
		if errors.As(err, &exitErr) && noSuchWorker.MatchString(exitErr.Result.Output()) {
			return false, nil
		}
		return false, err
	}

	if strings.Contains(res.Output(), "Errors") {
		c.logger.Info().Str("worker_id", workerID).Msg("worker reported errors, treating as absent")
		return false, nil
	}
	return true, nil
}

// CreateCryptoToken removes any stale worker at the id, applies the keystore
// properties and reloads it.
func (c *CLIControlPlane) CreateCryptoToken(ctx context.Context, params CryptoTokenParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return c.recreate(ctx, params.WorkerID, params.properties())
}

// CreateSigningWorker removes any stale worker at the id, applies the PDF
// signer properties and reloads it.
func (c *CLIControlPlane) CreateSigningWorker(ctx context.Context, params SigningWorkerParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return c.recreate(ctx, params.WorkerID, params.properties())
}

// RemoveWorker deletes the worker configuration. Removing an absent worker
// succeeds.
func (c *CLIControlPlane) RemoveWorker(ctx context.Context, workerID string) error {
	_, err := c.run(ctx, "removeworker", workerID)
	if err != nil {
		var exitErr *docker.ExitError
		if errors.As(err, &exitErr) && noSuchWorker.MatchString(exitErr.Result.Output()) {
			return nil
		}
		return err
	}
	return nil
}

func (c *CLIControlPlane) Reload(ctx context.Context, workerID string) error {
	_, err := c.run(ctx, "reload", workerID)
	return err
}

func (c *CLIControlPlane) recreate(ctx context.Context, workerID string, props []property) error {
	if err := c.RemoveWorker(ctx, workerID); err != nil {
		return err
	}

	for _, p := range props {
		if _, err := c.run(ctx, "setproperty", workerID, p.key, p.value); err != nil {
			return fmt.Errorf("set %s on worker %s: %w", p.key, workerID, err)
		}
	}

	return c.Reload(ctx, workerID)
}

// run executes one CLI verb. Arguments are never logged since they may carry
// keystore passwords.
func (c *CLIControlPlane) run(ctx context.Context, verb string, args ...string) (*docker.Result, error) {
	start := time.Now()
	argv := append([]string{c.binary, verb}, args...)

	res, err := c.runner.Exec(ctx, argv)

	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("verb", verb),
		attribute.String("result", result),
	)
	telemetry.GetMetrics().ControlPlaneCallsTotal.Add(ctx, 1, attrs)
	telemetry.GetMetrics().ControlPlaneDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	if err != nil {
		c.logger.Debug().Err(err).Str("verb", verb).Msg("control plane command failed")
		return res, fmt.Errorf("%w: %s: %w", ErrControlPlane, verb, err)
	}
	return res, nil
}
