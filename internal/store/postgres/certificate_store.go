package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/signplane/internal/models"
	"github.com/wolfeidau/signplane/internal/store"
)

// CertificateStore implements store.CertificateStore using PostgreSQL.
type CertificateStore struct {
	pool *pgxpool.Pool
}

var _ store.CertificateStore = (*CertificateStore)(nil)

// NewCertificateStore creates a PostgreSQL-backed certificate store sharing pool.
func NewCertificateStore(pool *pgxpool.Pool) *CertificateStore {
	return &CertificateStore{pool: pool}
}

// FindByTenant retrieves the record for a tenant.
func (s *CertificateStore) FindByTenant(ctx context.Context, id models.TenantID) (*models.CertificateRecord, error) {
	query := `
		SELECT tenant_id, key_container_url, key_container_filename, passphrase, appliance_path,
		       crypto_token_worker_id, signing_worker_id, created_at, updated_at
		FROM certificates
		WHERE tenant_id = $1
	`

	var (
		rec           models.CertificateRecord
		tenantID      string
		cryptoTokenID *string
		signerID      *string
	)
	err := s.pool.QueryRow(ctx, query, string(id)).Scan(
		&tenantID,
		&rec.KeyContainerURL,
		&rec.KeyContainerFileName,
		&rec.Passphrase,
		&rec.AppliancePath,
		&cryptoTokenID,
		&signerID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrCertificateNotFound
		}
		return nil, mapPostgresError(err, "failed to get certificate")
	}

	rec.TenantID = models.TenantID(tenantID)
	if cryptoTokenID != nil {
		rec.CryptoTokenWorkerID = *cryptoTokenID
	}
	if signerID != nil {
		rec.SigningWorkerID = *signerID
	}

	return &rec, nil
}

// Create inserts the record; a concurrent or earlier insert wins and
// ErrCertificateExists is returned.
func (s *CertificateStore) Create(ctx context.Context, rec *models.CertificateRecord) error {
	now := time.Now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO certificates (
			tenant_id, key_container_url, key_container_filename, passphrase, appliance_path,
			crypto_token_worker_id, signing_worker_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		ON CONFLICT (tenant_id) DO NOTHING
	`,
		string(rec.TenantID),
		rec.KeyContainerURL,
		rec.KeyContainerFileName,
		rec.Passphrase,
		rec.AppliancePath,
		rec.CryptoTokenWorkerID,
		rec.SigningWorkerID,
		createdAt,
		now,
	)
	if err != nil {
		return mapPostgresError(err, "failed to create certificate")
	}

	if tag.RowsAffected() == 0 {
		return store.ErrCertificateExists
	}

	log.Debug().
		Str("tenant_id", rec.TenantID.String()).
		Str("key_container", rec.KeyContainerFileName).
		Msg("certificate record created")

	return nil
}

// UpdateWorkers sets the worker id columns only.
func (s *CertificateStore) UpdateWorkers(ctx context.Context, id models.TenantID, cryptoTokenWorkerID, signingWorkerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE certificates
		SET crypto_token_worker_id = $2, signing_worker_id = $3, updated_at = now()
		WHERE tenant_id = $1
	`, string(id), cryptoTokenWorkerID, signingWorkerID)
	if err != nil {
		return mapPostgresError(err, "failed to update certificate workers")
	}

	if tag.RowsAffected() == 0 {
		return store.ErrCertificateNotFound
	}

	return nil
}
