package ssmcerts

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ErrNotConfigured is returned for a Source with neither a path nor a
// parameter name.
var ErrNotConfigured = errors.New("certificate source not configured")

// SSMAPI is the subset of the SSM client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Source locates one PEM document. SSM wins when both are set.
type Source struct {
	Path string
	SSM  string
}

func (s Source) Configured() bool {
	return s.Path != "" || s.SSM != ""
}

func (s Source) String() string {
	if s.SSM != "" {
		return "ssm:" + s.SSM
	}
	return s.Path
}

// Loader reads PEM material from SSM Parameter Store (production) or files
// (local development).
type Loader struct {
	client SSMAPI
}

// NewLoader returns a loader. client may be nil when only file sources are
// used.
func NewLoader(client SSMAPI) *Loader {
	return &Loader{client: client}
}

// Load returns the raw bytes for src.
func (l *Loader) Load(ctx context.Context, src Source) ([]byte, error) {
	switch {
	case src.SSM != "":
		if l.client == nil {
			return nil, fmt.Errorf("load %s: no SSM client configured", src)
		}
		value, err := getParameter(ctx, l.client, src.SSM)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", src, err)
		}
		return []byte(value), nil
	case src.Path != "":
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", src, err)
		}
		return data, nil
	default:
		return nil, ErrNotConfigured
	}
}

// CertPool loads a PEM bundle into a pool.
func (l *Loader) CertPool(ctx context.Context, src Source) (*x509.CertPool, error) {
	data, err := l.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("load %s: no certificates found", src)
	}
	return pool, nil
}

// ServerTLS configures the HTTPS listener. ClientCA is optional and turns on
// mutual TLS.
type ServerTLS struct {
	Cert     Source
	Key      Source
	ClientCA Source
}

// TLSConfig loads the listener certificate.
func (l *Loader) TLSConfig(ctx context.Context, cfg ServerTLS) (*tls.Config, error) {
	certPEM, err := l.Load(ctx, cfg.Cert)
	if err != nil {
		return nil, fmt.Errorf("server certificate: %w", err)
	}
	keyPEM, err := l.Load(ctx, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}

	serverCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.ClientCA.Configured() {
		pool, err := l.CertPool(ctx, cfg.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("client CA: %w", err)
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, nil
}

func getParameter(ctx context.Context, client SSMAPI, name string) (string, error) {
	output, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *output.Parameter.Value, nil
}
