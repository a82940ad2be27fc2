package store

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/signplane/internal/models"
)

// MemoryCertificateStore is an in-memory implementation of CertificateStore for development and testing
type MemoryCertificateStore struct {
	mu      sync.RWMutex
	records map[models.TenantID]*models.CertificateRecord
	now     func() time.Time
}

var _ CertificateStore = (*MemoryCertificateStore)(nil)

// NewMemoryCertificateStore creates a new in-memory certificate store
func NewMemoryCertificateStore() *MemoryCertificateStore {
	return &MemoryCertificateStore{
		records: make(map[models.TenantID]*models.CertificateRecord),
		now:     time.Now,
	}
}

// FindByTenant retrieves the record for a tenant
func (s *MemoryCertificateStore) FindByTenant(_ context.Context, id models.TenantID) (*models.CertificateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, ErrCertificateNotFound
	}

	return rec.Clone(), nil
}

// Create stores the record if the tenant has none
func (s *MemoryCertificateStore) Create(_ context.Context, rec *models.CertificateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.TenantID]; exists {
		return ErrCertificateExists
	}

	stored := rec.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.records[rec.TenantID] = stored

	return nil
}

// UpdateWorkers records both worker ids
func (s *MemoryCertificateStore) UpdateWorkers(_ context.Context, id models.TenantID, cryptoTokenWorkerID, signingWorkerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return ErrCertificateNotFound
	}

	rec.CryptoTokenWorkerID = cryptoTokenWorkerID
	rec.SigningWorkerID = signingWorkerID
	rec.UpdatedAt = s.now()

	return nil
}
