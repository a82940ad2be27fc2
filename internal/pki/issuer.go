package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Issuer signs a tenant certificate template for the given subject key.
// Implementations: SelfSignedIssuer (default), FileIssuer (local CA) and
// KMSIssuer (CA key held in AWS KMS).
type Issuer interface {
	// Issue returns the signed certificate and the chain to bundle with it.
	Issue(ctx context.Context, template *x509.Certificate, subjectKey crypto.Signer) (*x509.Certificate, []*x509.Certificate, error)
}

// SelfSignedIssuer signs the certificate with the subject's own key.
type SelfSignedIssuer struct{}

func (SelfSignedIssuer) Issue(_ context.Context, template *x509.Certificate, subjectKey crypto.Signer) (*x509.Certificate, []*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, template, subjectKey.Public(), subjectKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to self-sign certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil, nil
}

// caIssuer signs with a CA certificate and a crypto.Signer for its key.
type caIssuer struct {
	caCert *x509.Certificate
	signer crypto.Signer
}

func (i *caIssuer) Issue(_ context.Context, template *x509.Certificate, subjectKey crypto.Signer) (*x509.Certificate, []*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, i.caCert, subjectKey.Public(), i.signer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, []*x509.Certificate{i.caCert}, nil
}

// FileIssuer issues tenant certificates from a CA key and certificate on disk.
// Intended for local development.
type FileIssuer struct {
	caIssuer
}

// NewFileIssuer loads a PEM CA private key (PKCS#8, PKCS#1 or SEC 1) and certificate.
func NewFileIssuer(caKeyPath, caCertPath string) (*FileIssuer, error) {
	keyData, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key file: %w", err)
	}

	certData, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert file: %w", err)
	}

	return NewFileIssuerFromPEM(keyData, certData)
}

// NewFileIssuerFromPEM is NewFileIssuer for in-memory PEM data.
func NewFileIssuerFromPEM(keyPEM, certPEM []byte) (*FileIssuer, error) {
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("failed to decode CA key PEM")
	}

	signer, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA private key: %w", err)
	}

	caCert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	if err := verifyCertKeyPair(caCert, signer.Public()); err != nil {
		return nil, fmt.Errorf("CA key and certificate do not match: %w", err)
	}

	return &FileIssuer{caIssuer{caCert: caCert, signer: signer}}, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("key is not PKCS#8, PKCS#1 or SEC 1")
}

func parseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("failed to decode CA cert PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return caCert, nil
}

// verifyCertKeyPair checks that a certificate's public key matches the given key
func verifyCertKeyPair(cert *x509.Certificate, pub crypto.PublicKey) error {
	certPub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return fmt.Errorf("unsupported certificate key type %T", cert.PublicKey)
	}
	if !certPub.Equal(pub) {
		return errors.New("public keys do not match")
	}
	return nil
}
