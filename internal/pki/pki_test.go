package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/signplane/internal/models"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

func testSubject() Subject {
	return Subject{
		TenantID:           "42",
		CommonName:         "Ada Lovelace (ada@example.com)",
		Organization:       "ada",
		OrganizationalUnit: "GetSign CA",
	}
}

func TestGenerator_Generate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewGenerator()
	g.Now = func() time.Time { return now }

	km, err := g.Generate(context.Background(), testSubject())
	require.NoError(t, err)
	require.NotEmpty(t, km.Container)
	require.NotEmpty(t, km.Passphrase)

	cert := km.Certificate
	require.Equal(t, big.NewInt(42), cert.SerialNumber)
	require.Equal(t, "Ada Lovelace (ada@example.com)", cert.Subject.CommonName)
	require.Equal(t, []string{"ada"}, cert.Subject.Organization)
	require.Equal(t, []string{"GetSign CA"}, cert.Subject.OrganizationalUnit)
	require.Equal(t, now, cert.NotBefore)
	require.Equal(t, now.Add(365*24*time.Hour), cert.NotAfter)

	tenantID, err := ExtractTenantID(cert)
	require.NoError(t, err)
	require.Equal(t, "42", tenantID)

	key, decoded, err := pkcs12.Decode(km.Container, km.Passphrase)
	require.NoError(t, err)
	require.Equal(t, cert.Raw, decoded.Raw)

	rsaKey, ok := key.(*rsa.PrivateKey)
	require.True(t, ok)
	require.Equal(t, 2048, rsaKey.N.BitLen())

	_, _, err = pkcs12.Decode(km.Container, "wrong")
	require.Error(t, err)
}

func TestGenerator_FreshMaterialPerCall(t *testing.T) {
	g := NewGenerator()

	a, err := g.Generate(context.Background(), testSubject())
	require.NoError(t, err)
	b, err := g.Generate(context.Background(), testSubject())
	require.NoError(t, err)

	require.NotEqual(t, a.Passphrase, b.Passphrase)
	require.NotEqual(t, a.Certificate.PublicKey, b.Certificate.PublicKey)
}

func TestGenerator_InvalidSubject(t *testing.T) {
	_, err := NewGenerator().Generate(context.Background(), Subject{TenantID: "42"})
	require.ErrorIs(t, err, ErrInvalidSubject)
}

func TestSerialFor(t *testing.T) {
	require.Equal(t, big.NewInt(42), SerialFor("42"))
	require.Equal(t, new(big.Int).SetBytes([]byte("acme")), SerialFor("acme"))
	require.Equal(t, new(big.Int).SetBytes([]byte("-5")), SerialFor("-5"))
}

func newTestCA(t *testing.T) (*ecdsa.PrivateKey, *x509.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return key, cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestFileIssuer(t *testing.T) {
	caKey, caCert, caPEM := newTestCA(t)
	keyDER, err := x509.MarshalPKCS8PrivateKey(caKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	issuer, err := NewFileIssuerFromPEM(keyPEM, caPEM)
	require.NoError(t, err)

	g := NewGenerator()
	g.Issuer = issuer

	km, err := g.Generate(context.Background(), testSubject())
	require.NoError(t, err)
	require.NoError(t, km.Certificate.CheckSignatureFrom(caCert))

	t.Run("mismatched key is rejected", func(t *testing.T) {
		other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		otherDER, err := x509.MarshalECPrivateKey(other)
		require.NoError(t, err)

		_, err = NewFileIssuerFromPEM(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: otherDER}), caPEM)
		require.ErrorContains(t, err, "do not match")
	})
}

// fakeKMS signs digests with a local key.
type fakeKMS struct {
	key *ecdsa.PrivateKey
}

func (f *fakeKMS) GetPublicKey(_ context.Context, _ *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	der, err := x509.MarshalPKIXPublicKey(&f.key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{PublicKey: der}, nil
}

func (f *fakeKMS) Sign(_ context.Context, params *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, f.key, params.Message)
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{Signature: sig}, nil
}

func TestKMSIssuer(t *testing.T) {
	caKey, caCert, caPEM := newTestCA(t)
	ctx := context.Background()

	issuer, err := NewKMSIssuer(ctx, &fakeKMS{key: caKey}, "alias/signplane-ca", caPEM)
	require.NoError(t, err)

	g := NewGenerator()
	g.Issuer = issuer

	km, err := g.Generate(ctx, testSubject())
	require.NoError(t, err)
	require.NoError(t, km.Certificate.CheckSignatureFrom(caCert))

	t.Run("sign rejects non sha256", func(t *testing.T) {
		s := &kmsSigner{ctx: ctx, client: &fakeKMS{key: caKey}, publicKey: &caKey.PublicKey}
		digest := sha256.Sum256([]byte("x"))
		_, err := s.Sign(rand.Reader, digest[:], crypto.SHA384)
		require.Error(t, err)
	})

	t.Run("key mismatch", func(t *testing.T) {
		other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		_, err = NewKMSIssuer(ctx, &fakeKMS{key: other}, "alias/x", caPEM)
		require.Error(t, err)
	})
}

func TestExtractTenantID_Missing(t *testing.T) {
	_, err := ExtractTenantID(&x509.Certificate{})
	require.ErrorIs(t, err, ErrExtensionNotFound)
}

func TestTenantIDExtensionRoundTrip(t *testing.T) {
	ext, err := tenantIDExtension(models.TenantID("tenant-é").String())
	require.NoError(t, err)

	id, err := ExtractTenantID(&x509.Certificate{Extensions: []pkix.Extension{ext}})
	require.NoError(t, err)
	require.Equal(t, "tenant-é", id)
}
