package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

// TenantRepository implements the repositories.TenantRepository interface
type TenantRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB, logger *zap.Logger) repositories.TenantRepository {
	return &TenantRepository{
		db:     db,
		logger: logger,
	}
}

func (r *TenantRepository) executor(ctx context.Context) Executor {
	if r.tx != nil {
		return r.tx.tx
	}
	return GetExecutor(ctx, r.db)
}

// GetStatus returns the tenant status
func (r *TenantRepository) GetStatus(ctx context.Context, tenantID string) (models.TenantStatus, error) {
	query := `SELECT status FROM tenants WHERE id = $1`

	ctx, cancel := r.db.bounded(ctx)
	defer cancel()

	var status models.TenantStatus
	if err := r.executor(ctx).QueryRowContext(ctx, query, tenantID).Scan(&status); err != nil {
		return "", mapError("get tenant status", err)
	}
	return status, nil
}

// Get retrieves a tenant by ID
func (r *TenantRepository) Get(ctx context.Context, tenantID string) (*models.Tenant, error) {
	query := `
		SELECT id, status, created_at, updated_at
		FROM tenants
		WHERE id = $1
	`

	ctx, cancel := r.db.bounded(ctx)
	defer cancel()

	t := &models.Tenant{}
	err := r.executor(ctx).QueryRowContext(ctx, query, tenantID).Scan(
		&t.ID,
		&t.Status,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, mapError("get tenant", err)
	}
	return t, nil
}

// EnsureTenant creates an active tenant when it does not exist yet
func (r *TenantRepository) EnsureTenant(ctx context.Context, tenantID string) (*models.Tenant, bool, error) {
	query := `
		INSERT INTO tenants (id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, status, created_at, updated_at
	`

	bctx, cancel := r.db.bounded(ctx)
	defer cancel()

	t := models.NewTenant(tenantID)
	err := r.executor(bctx).QueryRowContext(bctx, query, t.ID, t.Status, t.CreatedAt, t.UpdatedAt).Scan(
		&t.ID,
		&t.Status,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err == nil {
		r.logger.Info("tenant provisioned", zap.String("tenant_id", t.ID))
		return t, true, nil
	}
	if err := mapError("ensure tenant", err); !isNotFound(err) {
		return nil, false, err
	}

	existing, err := r.Get(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// SetStatus changes the tenant status
func (r *TenantRepository) SetStatus(ctx context.Context, tenantID string, status models.TenantStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid tenant status %q", status)
	}

	query := `UPDATE tenants SET status = $2, updated_at = $3 WHERE id = $1`

	ctx, cancel := r.db.bounded(ctx)
	defer cancel()

	result, err := r.executor(ctx).ExecContext(ctx, query, tenantID, status, time.Now().UTC())
	if err != nil {
		return mapError("set tenant status", err)
	}
	if err := checkAffected("set tenant status", result); err != nil {
		return err
	}

	r.logger.Info("tenant status changed",
		zap.String("tenant_id", tenantID),
		zap.String("status", string(status)))
	return nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *TenantRepository) WithTx(tx repositories.Transaction) repositories.TenantRepository {
	pgTx, _ := tx.(*Transaction)
	return &TenantRepository{
		db:     r.db,
		tx:     pgTx,
		logger: r.logger,
	}
}
