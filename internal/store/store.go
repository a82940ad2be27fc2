package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/signplane/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrCertificateExists   = errors.New("certificate already exists")
	ErrReceiptInvalid      = errors.New("receipt handle invalid or expired")
	ErrThrottled           = errors.New("AWS request throttled")
)

// TenantDirectory resolves tenant identity and contact data.
type TenantDirectory interface {
	// Lookup returns ErrTenantNotFound when the tenant has no active installation.
	Lookup(ctx context.Context, id models.TenantID) (*models.Tenant, error)
}

// CertificateStore persists one CertificateRecord per tenant.
type CertificateStore interface {
	// FindByTenant returns ErrCertificateNotFound when no record exists.
	FindByTenant(ctx context.Context, id models.TenantID) (*models.CertificateRecord, error)

	// Create inserts the record only if none exists for the tenant, otherwise
	// it returns ErrCertificateExists and leaves the stored record untouched.
	Create(ctx context.Context, rec *models.CertificateRecord) error

	// UpdateWorkers sets both worker ids without touching any other field.
	UpdateWorkers(ctx context.Context, id models.TenantID, cryptoTokenWorkerID, signingWorkerID string) error
}

// Message is a job delivered by a JobQueue. It stays invisible to other
// consumers until deleted or until its visibility timeout lapses.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
	ReceiveCount  int
}

// JobQueue is an at-least-once delivery queue of provisioning jobs.
type JobQueue interface {
	// Receive long-polls for up to maxMessages, waiting at most wait.
	// An empty result is not an error.
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Message, error)

	// Delete acknowledges a message so it is never redelivered.
	Delete(ctx context.Context, msg Message) error

	// Enqueue publishes a job and returns the message id.
	Enqueue(ctx context.Context, job models.ProvisioningJob) (string, error)
}

// Locker serialises work on a key across concurrent callers.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned func
	// releases it.
	Lock(ctx context.Context, key string) (func(), error)
}

// NopLocker never blocks.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}
