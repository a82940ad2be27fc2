package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSAPI is the subset of the KMS client used by KMSIssuer.
type KMSAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSIssuer issues tenant certificates from a CA whose ECDSA P-256 key never
// leaves KMS; only digest signing calls are made.
type KMSIssuer struct {
	client    KMSAPI
	keyID     string
	caCert    *x509.Certificate
	publicKey *ecdsa.PublicKey
}

var _ Issuer = (*KMSIssuer)(nil)

// NewKMSIssuer checks that the KMS key matches the CA certificate. keyID may be
// a key id, key ARN, alias name or alias ARN.
func NewKMSIssuer(ctx context.Context, client KMSAPI, keyID string, caCertPEM []byte) (*KMSIssuer, error) {
	caCert, err := parseCertificatePEM(caCertPEM)
	if err != nil {
		return nil, err
	}

	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from KMS: %w", err)
	}

	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS public key: %w", err)
	}

	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("KMS key is not ECDSA (got %T)", pub)
	}

	if err := verifyCertKeyPair(caCert, ecdsaPub); err != nil {
		return nil, fmt.Errorf("KMS key does not match CA certificate: %w", err)
	}

	return &KMSIssuer{
		client:    client,
		keyID:     keyID,
		caCert:    caCert,
		publicKey: ecdsaPub,
	}, nil
}

func (i *KMSIssuer) Issue(ctx context.Context, template *x509.Certificate, subjectKey crypto.Signer) (*x509.Certificate, []*x509.Certificate, error) {
	ca := &caIssuer{
		caCert: i.caCert,
		signer: &kmsSigner{ctx: ctx, client: i.client, keyID: i.keyID, publicKey: i.publicKey},
	}
	return ca.Issue(ctx, template, subjectKey)
}

// kmsSigner adapts KMS Sign to crypto.Signer for the duration of one Issue call.
type kmsSigner struct {
	ctx       context.Context
	client    KMSAPI
	keyID     string
	publicKey *ecdsa.PublicKey
}

func (k *kmsSigner) Public() crypto.PublicKey {
	return k.publicKey
}

// Sign returns the ASN.1 DER ECDSA signature KMS produces, which is the
// encoding x509.CreateCertificate expects.
func (k *kmsSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("KMS signer only supports SHA256, got %v", opts.HashFunc())
	}

	out, err := k.client.Sign(k.ctx, &kms.SignInput{
		KeyId:            aws.String(k.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS sign operation failed: %w", err)
	}

	return out.Signature, nil
}
