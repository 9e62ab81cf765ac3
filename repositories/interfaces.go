package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/upb/tenant-auth/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a write violates a unique constraint.
	ErrDuplicate = errors.New("record already exists")
	// ErrSchemaMismatch is returned when the database lacks tables, columns
	// or migrations the adapter depends on.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrInvalidData is returned when the store rejects a value, such as a
	// string wider than its column. Retrying the same write cannot succeed.
	ErrInvalidData = errors.New("invalid data")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction. The returned Transaction's Context
	// carries it, so repositories called with that context join it.
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PrincipalRepository handles principal data operations
type PrincipalRepository interface {
	// FindByExternalID retrieves a principal by (issuer, subject).
	// Returns ErrNotFound when absent.
	FindByExternalID(ctx context.Context, issuer, subject string) (*models.Principal, error)

	// CreateIfAbsent inserts p unless a principal with the same (issuer, subject)
	// exists. It returns the stored row and whether this call created it.
	CreateIfAbsent(ctx context.Context, p *models.Principal) (*models.Principal, bool, error)

	// Update writes the mutable fields (roles, email, display name).
	Update(ctx context.Context, p *models.Principal) error

	// TouchLastSeen records the time of the latest resolve.
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) PrincipalRepository
}

// TenantRepository handles tenant data operations
type TenantRepository interface {
	// GetStatus returns the tenant's status, or ErrNotFound.
	GetStatus(ctx context.Context, tenantID string) (models.TenantStatus, error)

	// Get retrieves a tenant by ID, or ErrNotFound.
	Get(ctx context.Context, tenantID string) (*models.Tenant, error)

	// EnsureTenant creates an active tenant if none exists and returns the stored row.
	EnsureTenant(ctx context.Context, tenantID string) (*models.Tenant, bool, error)

	// SetStatus changes a tenant's status. Returns ErrNotFound for unknown tenants.
	SetStatus(ctx context.Context, tenantID string, status models.TenantStatus) error

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) TenantRepository
}

// AuditRepository handles audit log data operations
type AuditRepository interface {
	// Insert inserts a new audit log entry
	Insert(ctx context.Context, log *models.AuditLog) error

	// ListByPrincipal returns the newest entries for a principal first.
	ListByPrincipal(ctx context.Context, principalID uuid.UUID, limit int) ([]*models.AuditLog, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) AuditRepository
}

// SchemaVerifier checks that the store matches what the adapter expects.
type SchemaVerifier interface {
	VerifySchema(ctx context.Context) error
}

// HealthChecker reports whether the store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Principals PrincipalRepository
	Tenants    TenantRepository
	AuditLogs  AuditRepository
}
