package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	tx     *Transaction
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

func (r *AuditRepository) executor(ctx context.Context) Executor {
	if r.tx != nil {
		return r.tx.tx
	}
	return GetExecutor(ctx, r.db)
}

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, tenant_id, principal_id, action, details, request_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	ctx, cancel := r.db.bounded(ctx)
	defer cancel()

	_, err := r.executor(ctx).ExecContext(ctx, query,
		log.ID,
		log.TenantID,
		log.PrincipalID,
		log.Action,
		[]byte(log.Details),
		log.RequestID,
		log.Timestamp,
	)
	if err != nil {
		return mapError("insert audit log", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

// ListByPrincipal retrieves the newest audit logs for a principal
func (r *AuditRepository) ListByPrincipal(ctx context.Context, principalID uuid.UUID, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT id, tenant_id, principal_id, action, details, request_id, timestamp
		FROM audit_logs
		WHERE principal_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	ctx, cancel := r.db.bounded(ctx)
	defer cancel()

	rows, err := r.executor(ctx).QueryContext(ctx, query, principalID, limit)
	if err != nil {
		return nil, mapError("query audit logs", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		log := &models.AuditLog{}
		var details []byte
		err := rows.Scan(
			&log.ID,
			&log.TenantID,
			&log.PrincipalID,
			&log.Action,
			&details,
			&log.RequestID,
			&log.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		log.Details = details
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	pgTx, _ := tx.(*Transaction)
	return &AuditRepository{
		db:     r.db,
		tx:     pgTx,
		logger: r.logger,
	}
}
