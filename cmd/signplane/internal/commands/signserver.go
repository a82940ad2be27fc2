package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/signplane/internal/artifact"
	"github.com/wolfeidau/signplane/internal/docker"
	"github.com/wolfeidau/signplane/internal/pki"
	"github.com/wolfeidau/signplane/internal/signserver"
	"github.com/wolfeidau/signplane/internal/ssmcerts"
)

// SignServerFlags locates the appliance control plane and data plane.
type SignServerFlags struct {
	Container    string        `help:"appliance container name, empty runs the CLI on this host" default:"signserver" env:"SIGNPLANE_SIGNSERVER_CONTAINER"`
	Binary       string        `help:"appliance admin CLI path" default:"/opt/keyfactor/signserver/bin/signserver" env:"SIGNPLANE_SIGNSERVER_BINARY"`
	ApplianceDir string        `help:"directory on the appliance holding key containers" default:"/opt/keyfactor/signserver/res/certificates" env:"SIGNPLANE_SIGNSERVER_APPLIANCE_DIR"`
	URL          string        `help:"appliance base URL for signing requests" default:"https://localhost:8443" env:"SIGNPLANE_SIGNSERVER_URL"`
	Timeout      time.Duration `help:"signing request timeout" default:"2m" env:"SIGNPLANE_SIGNSERVER_TIMEOUT"`
	CACert       string        `help:"PEM bundle verifying the appliance certificate, empty skips verification" default:"" env:"SIGNPLANE_SIGNSERVER_CA_CERT"`
	CACertSSM    string        `help:"SSM parameter holding the appliance CA bundle" default:"" env:"SIGNPLANE_SIGNSERVER_CA_CERT_SSM"`
}

func (f *SignServerFlags) runner(log zerolog.Logger) (docker.Runner, func(), error) {
	if f.Container == "" {
		return docker.NewHostRunner(log), func() {}, nil
	}

	cli, err := docker.NewClient()
	if err != nil {
		return nil, nil, err
	}
	return docker.NewContainerRunner(cli, f.Container, log), func() { _ = cli.Close() }, nil
}

func (f *SignServerFlags) controlPlane(runner docker.Runner, log zerolog.Logger) *signserver.CLIControlPlane {
	return signserver.NewCLIControlPlane(runner, f.Binary, log)
}

func (f *SignServerFlags) dataPlane(ctx context.Context, loader *ssmcerts.Loader) (*signserver.HTTPDataPlane, error) {
	cfg := signserver.HTTPDataPlaneConfig{
		BaseURL: f.URL,
		Timeout: f.Timeout,
	}

	caSource := ssmcerts.Source{Path: f.CACert, SSM: f.CACertSSM}
	if caSource.Configured() {
		pool, err := loader.CertPool(ctx, caSource)
		if err != nil {
			return nil, fmt.Errorf("failed to load appliance CA: %w", err)
		}
		cfg.RootCAs = pool
	}

	return signserver.NewHTTPDataPlane(cfg)
}

func (f *SignServerFlags) stager(objects artifact.ObjectStore, runner docker.Runner, prefix string, log zerolog.Logger) *artifact.DualStager {
	return artifact.NewDualStager(objects, runner, artifact.StagerConfig{
		Prefix:       prefix,
		ApplianceDir: f.ApplianceDir,
	}, log)
}

// IssuerFlags selects who signs tenant certificates.
type IssuerFlags struct {
	Type      string `help:"certificate issuer (self, file or kms)" default:"self" enum:"self,file,kms" env:"SIGNPLANE_ISSUER_TYPE"`
	CACert    string `help:"issuing CA certificate PEM file" default:"" env:"SIGNPLANE_ISSUER_CA_CERT"`
	CACertSSM string `help:"SSM parameter holding the issuing CA certificate" default:"" env:"SIGNPLANE_ISSUER_CA_CERT_SSM"`
	CAKey     string `help:"issuing CA private key PEM file (file issuer)" default:"" env:"SIGNPLANE_ISSUER_CA_KEY"`
	CAKeySSM  string `help:"SSM parameter holding the issuing CA private key (file issuer)" default:"" env:"SIGNPLANE_ISSUER_CA_KEY_SSM"`
	KMSKeyID  string `help:"KMS key id or ARN holding the CA key (kms issuer)" default:"" env:"SIGNPLANE_ISSUER_KMS_KEY_ID"`

	Validity time.Duration `help:"tenant certificate validity" default:"8760h" env:"SIGNPLANE_ISSUER_VALIDITY"`
	KeyBits  int           `help:"tenant RSA key size" default:"2048" env:"SIGNPLANE_ISSUER_KEY_BITS"`
}

func (f *IssuerFlags) Validate() error {
	certSource := ssmcerts.Source{Path: f.CACert, SSM: f.CACertSSM}
	switch f.Type {
	case "file":
		if !certSource.Configured() || !(ssmcerts.Source{Path: f.CAKey, SSM: f.CAKeySSM}).Configured() {
			return errors.New("file issuer requires a CA certificate and key (--issuer-ca-cert/--issuer-ca-key or their SSM variants)")
		}
	case "kms":
		if f.KMSKeyID == "" || !certSource.Configured() {
			return errors.New("kms issuer requires --issuer-kms-key-id and a CA certificate")
		}
	}
	return nil
}

// generator builds the key material generator. kmsClient is only called for
// the kms issuer.
func (f *IssuerFlags) generator(ctx context.Context, loader *ssmcerts.Loader, kmsClient func() pki.KMSAPI) (*pki.Generator, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	gen := pki.NewGenerator()
	gen.Validity = f.Validity
	gen.KeyBits = f.KeyBits

	switch f.Type {
	case "file":
		certPEM, err := loader.Load(ctx, ssmcerts.Source{Path: f.CACert, SSM: f.CACertSSM})
		if err != nil {
			return nil, fmt.Errorf("issuer CA certificate: %w", err)
		}
		keyPEM, err := loader.Load(ctx, ssmcerts.Source{Path: f.CAKey, SSM: f.CAKeySSM})
		if err != nil {
			return nil, fmt.Errorf("issuer CA key: %w", err)
		}
		issuer, err := pki.NewFileIssuerFromPEM(keyPEM, certPEM)
		if err != nil {
			return nil, err
		}
		gen.Issuer = issuer
	case "kms":
		certPEM, err := loader.Load(ctx, ssmcerts.Source{Path: f.CACert, SSM: f.CACertSSM})
		if err != nil {
			return nil, fmt.Errorf("issuer CA certificate: %w", err)
		}
		issuer, err := pki.NewKMSIssuer(ctx, kmsClient(), f.KMSKeyID, certPEM)
		if err != nil {
			return nil, err
		}
		gen.Issuer = issuer
	}

	return gen, nil
}
