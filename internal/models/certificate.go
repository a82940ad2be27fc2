package models

import "time"

// CertificateRecord is the persisted provisioning state for a tenant. At most
// one record exists per tenant.
type CertificateRecord struct {
	TenantID             TenantID  `dynamodbav:"tenant_id"`
	KeyContainerURL      string    `dynamodbav:"key_container_url"`
	KeyContainerFileName string    `dynamodbav:"key_container_filename"`
	Passphrase           string    `dynamodbav:"passphrase"`
	AppliancePath        string    `dynamodbav:"appliance_path"`
	CryptoTokenWorkerID  string    `dynamodbav:"crypto_token_worker_id,omitempty"`
	SigningWorkerID      string    `dynamodbav:"signing_worker_id,omitempty"`
	CreatedAt            time.Time `dynamodbav:"created_at"`
	UpdatedAt            time.Time `dynamodbav:"updated_at"`
}

// FullyProvisioned reports whether both worker ids have been recorded.
func (r *CertificateRecord) FullyProvisioned() bool {
	return r.CryptoTokenWorkerID != "" && r.SigningWorkerID != ""
}

// Clone returns a copy safe to hand out from a store.
func (r *CertificateRecord) Clone() *CertificateRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// WorkerIDs holds the appliance worker identifiers owned by a tenant.
type WorkerIDs struct {
	CryptoToken string
	Signer      string
}

// WorkerIDsFor derives the worker ids for a tenant: the crypto token is the
// tenant id with "0" appended, the signing worker with "1" appended.
func WorkerIDsFor(id TenantID) WorkerIDs {
	return WorkerIDs{
		CryptoToken: string(id) + "0",
		Signer:      string(id) + "1",
	}
}
