package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

const principalColumns = `id, issuer, subject, tenant_id, roles, email, display_name, created_at, updated_at, last_seen_at`

// PrincipalRepository implements the repositories.PrincipalRepository interface
type PrincipalRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewPrincipalRepository creates a new principal repository
func NewPrincipalRepository(db *DB, logger *zap.Logger) repositories.PrincipalRepository {
	return &PrincipalRepository{
		db:     db,
		logger: logger,
	}
}

func (r *PrincipalRepository) executor(ctx context.Context) Executor {
	if r.tx != nil {
		return r.tx.tx
	}
	return GetExecutor(ctx, r.db)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrincipal(row rowScanner) (*models.Principal, error) {
	p := &models.Principal{}
	var roles []string
	err := row.Scan(
		&p.ID,
		&p.Issuer,
		&p.Subject,
		&p.TenantID,
		pq.Array(&roles),
		&p.Email,
		&p.DisplayName,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	p.Roles = models.NormalizeRoles(roles)
	return p, nil
}

// FindByExternalID retrieves a principal by issuer and subject
func (r *PrincipalRepository) FindByExternalID(ctx context.Context, issuer, subject string) (*models.Principal, error) {
	query := `
		SELECT ` + principalColumns + `
		FROM principals
		WHERE issuer = $1 AND subject = $2
	`

	ctx, cancel := r.db.bounded(ctx)
	defer cancel()

	p, err := scanPrincipal(r.executor(ctx).QueryRowContext(ctx, query, issuer, subject))
	if err != nil {
		return nil, mapError("find principal", err)
	}
	return p, nil
}

// CreateIfAbsent inserts the principal unless (issuer, subject) is taken,
// in which case the existing row is returned.
func (r *PrincipalRepository) CreateIfAbsent(ctx context.Context, p *models.Principal) (*models.Principal, bool, error) {
	query := `
		INSERT INTO principals (` + principalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (issuer, subject) DO NOTHING
		RETURNING ` + principalColumns

	bctx, cancel := r.db.bounded(ctx)
	defer cancel()

	created, err := scanPrincipal(r.executor(bctx).QueryRowContext(bctx, query,
		p.ID,
		p.Issuer,
		p.Subject,
		p.TenantID,
		pq.Array(models.NormalizeRoles(p.Roles)),
		p.Email,
		p.DisplayName,
		p.CreatedAt,
		p.UpdatedAt,
		p.LastSeenAt,
	))
	if err == nil {
		r.logger.Debug("principal created",
			zap.String("id", created.ID.String()),
			zap.String("issuer", created.Issuer),
			zap.String("tenant_id", created.TenantID))
		return created, true, nil
	}

	if err := mapError("create principal", err); !isNotFound(err) {
		return nil, false, err
	}

	// Conflict: another writer owns the row.
	existing, err := r.FindByExternalID(ctx, p.Issuer, p.Subject)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Update updates the mutable principal fields
func (r *PrincipalRepository) Update(ctx context.Context, p *models.Principal) error {
	query := `
		UPDATE principals
		SET roles = $2, email = $3, display_name = $4, updated_at = $5
		WHERE id = $1
	`

	ctx, cancel := r.db.bounded(ctx)
	defer cancel()

	p.UpdatedAt = time.Now().UTC()
	result, err := r.executor(ctx).ExecContext(ctx, query,
		p.ID,
		pq.Array(models.NormalizeRoles(p.Roles)),
		p.Email,
		p.DisplayName,
		p.UpdatedAt,
	)
	if err != nil {
		return mapError("update principal", err)
	}
	return checkAffected("update principal", result)
}

// TouchLastSeen records the latest resolve time
func (r *PrincipalRepository) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE principals SET last_seen_at = $2 WHERE id = $1`

	ctx, cancel := r.db.bounded(ctx)
	defer cancel()

	result, err := r.executor(ctx).ExecContext(ctx, query, id, at)
	if err != nil {
		return mapError("touch principal", err)
	}
	return checkAffected("touch principal", result)
}

// WithTx returns a new repository instance bound to the transaction
func (r *PrincipalRepository) WithTx(tx repositories.Transaction) repositories.PrincipalRepository {
	pgTx, _ := tx.(*Transaction)
	return &PrincipalRepository{
		db:     r.db,
		tx:     pgTx,
		logger: r.logger,
	}
}
