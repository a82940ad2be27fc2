package store

import (
	"context"
	"sync"

	"github.com/wolfeidau/signplane/internal/models"
)

// MemoryTenantDirectory is an in-memory TenantDirectory for development and testing
type MemoryTenantDirectory struct {
	mu      sync.RWMutex
	tenants map[models.TenantID]models.Tenant
}

var _ TenantDirectory = (*MemoryTenantDirectory)(nil)

// NewMemoryTenantDirectory creates a directory seeded with tenants
func NewMemoryTenantDirectory(tenants ...models.Tenant) *MemoryTenantDirectory {
	d := &MemoryTenantDirectory{tenants: make(map[models.TenantID]models.Tenant, len(tenants))}
	for _, t := range tenants {
		d.tenants[t.ID] = t
	}
	return d
}

// Put adds or replaces a tenant
func (d *MemoryTenantDirectory) Put(t models.Tenant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[t.ID] = t
}

// Lookup returns the tenant or ErrTenantNotFound
func (d *MemoryTenantDirectory) Lookup(_ context.Context, id models.TenantID) (*models.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return &t, nil
}
