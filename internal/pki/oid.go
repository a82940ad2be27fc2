package pki

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
)

// Custom OID arc: 1.3.6.1.4.1.99999.2.x (temporary private arc)
var (
	// OIDSignplaneArc is the base OID for signplane extensions
	OIDSignplaneArc = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2}

	// OIDTenantID carries the tenant identifier as a UTF8String
	OIDTenantID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2, 1}
)

// ErrExtensionNotFound is returned when a required extension is missing
var ErrExtensionNotFound = errors.New("extension not found")

func tenantIDExtension(tenantID string) (pkix.Extension, error) {
	value, err := asn1.MarshalWithParams(tenantID, "utf8")
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("failed to marshal tenant id: %w", err)
	}
	return pkix.Extension{Id: OIDTenantID, Value: value}, nil
}

// ExtractTenantID reads the tenant id extension from a certificate
func ExtractTenantID(cert *x509.Certificate) (string, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDTenantID) {
			var tenantID string
			if _, err := asn1.UnmarshalWithParams(ext.Value, &tenantID, "utf8"); err != nil {
				return "", fmt.Errorf("failed to unmarshal tenant id: %w", err)
			}
			return tenantID, nil
		}
	}
	return "", ErrExtensionNotFound
}
