package pki

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/mr-tron/base58"
	"github.com/wolfeidau/signplane/internal/models"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	defaultKeyBits         = 2048
	defaultValidity        = 365 * 24 * time.Hour
	defaultPassphraseBytes = 18
)

// ErrInvalidSubject is returned when required subject fields are missing.
var ErrInvalidSubject = errors.New("invalid certificate subject")

// Subject describes the tenant certificate to generate.
type Subject struct {
	TenantID           models.TenantID
	CommonName         string
	Organization       string
	OrganizationalUnit string
}

// KeyMaterial is a passphrase-protected PKCS#12 container and its certificate.
type KeyMaterial struct {
	Container   []byte
	Passphrase  string
	Certificate *x509.Certificate
}

// Generator creates RSA key pairs and certificates packaged as PKCS#12.
type Generator struct {
	Issuer          Issuer
	KeyBits         int
	Validity        time.Duration
	PassphraseBytes int
	Now             func() time.Time
	Rand            io.Reader
}

// NewGenerator returns a self-signing generator with 2048 bit keys valid for one year.
func NewGenerator() *Generator {
	return &Generator{
		Issuer:          SelfSignedIssuer{},
		KeyBits:         defaultKeyBits,
		Validity:        defaultValidity,
		PassphraseBytes: defaultPassphraseBytes,
		Now:             time.Now,
		Rand:            rand.Reader,
	}
}

// Generate produces fresh key material for subject. Every call yields a new
// key pair and passphrase.
func (g *Generator) Generate(ctx context.Context, subject Subject) (*KeyMaterial, error) {
	if subject.TenantID == "" || subject.CommonName == "" {
		return nil, fmt.Errorf("%w: tenant id and common name are required", ErrInvalidSubject)
	}

	key, err := rsa.GenerateKey(g.Rand, g.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	ext, err := tenantIDExtension(string(subject.TenantID))
	if err != nil {
		return nil, err
	}

	notBefore := g.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: SerialFor(subject.TenantID),
		Subject: pkix.Name{
			CommonName:         subject.CommonName,
			Organization:       nonEmpty(subject.Organization),
			OrganizationalUnit: nonEmpty(subject.OrganizationalUnit),
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(g.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
		ExtraExtensions:       []pkix.Extension{ext},
	}

	cert, chain, err := g.Issuer.Issue(ctx, template, key)
	if err != nil {
		return nil, err
	}

	passphrase, err := g.passphrase()
	if err != nil {
		return nil, err
	}

	container, err := pkcs12.LegacyDES.Encode(key, cert, chain, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 container: %w", err)
	}

	return &KeyMaterial{
		Container:   container,
		Passphrase:  passphrase,
		Certificate: cert,
	}, nil
}

func (g *Generator) passphrase() (string, error) {
	buf := make([]byte, g.PassphraseBytes)
	if _, err := io.ReadFull(g.Rand, buf); err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}
	return base58.Encode(buf), nil
}

// SerialFor derives the certificate serial from the tenant id: the decimal
// value for numeric ids, otherwise the id bytes as a big-endian integer.
func SerialFor(id models.TenantID) *big.Int {
	if n, ok := new(big.Int).SetString(string(id), 10); ok && n.Sign() > 0 {
		return n
	}
	return new(big.Int).SetBytes([]byte(id))
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
