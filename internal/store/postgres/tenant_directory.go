package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/signplane/internal/models"
	"github.com/wolfeidau/signplane/internal/store"
)

// TenantDirectory implements store.TenantDirectory over tenant_installations.
type TenantDirectory struct {
	pool *pgxpool.Pool
}

var _ store.TenantDirectory = (*TenantDirectory)(nil)

// NewTenantDirectory creates a PostgreSQL-backed tenant directory sharing pool.
func NewTenantDirectory(pool *pgxpool.Pool) *TenantDirectory {
	return &TenantDirectory{pool: pool}
}

// Lookup resolves the tenant from its most recent install row.
func (d *TenantDirectory) Lookup(ctx context.Context, id models.TenantID) (*models.Tenant, error) {
	query := `
		SELECT tenant_id, display_name, email, slug
		FROM tenant_installations
		WHERE tenant_id = $1 AND kind = 'install'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	var (
		tenant   models.Tenant
		tenantID string
	)
	err := d.pool.QueryRow(ctx, query, string(id)).Scan(
		&tenantID,
		&tenant.DisplayName,
		&tenant.Email,
		&tenant.Slug,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrTenantNotFound
		}
		return nil, mapPostgresError(err, "failed to lookup tenant")
	}
	tenant.ID = models.TenantID(tenantID)

	return &tenant, nil
}

// Register records an install for a tenant, used by tests and local seeding.
func (d *TenantDirectory) Register(ctx context.Context, tenant models.Tenant) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO tenant_installations (tenant_id, kind, display_name, email, slug)
		VALUES ($1, 'install', $2, $3, $4)
	`, string(tenant.ID), tenant.DisplayName, tenant.Email, tenant.Slug)
	if err != nil {
		return mapPostgresError(err, "failed to register tenant")
	}
	return nil
}
