package principal

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/oidc"
	"github.com/upb/tenant-auth/repositories"
	"github.com/upb/tenant-auth/services"
)

// Rejection reasons for tokens that cannot be bound to a tenant.
const (
	ReasonMissingTenant    = "missing_tenant"
	ReasonMalformedTenant  = "malformed_tenant"
	ReasonMalformedSubject = "malformed_subject"
)

// Config holds tenant selection settings for first-sight provisioning.
type Config struct {
	// DefaultTenant is used when a new principal's token has no tenant claim.
	DefaultTenant string
	// AutoProvisionTenants creates unknown tenants instead of rejecting them.
	AutoProvisionTenants bool
}

// Resolver maps verified external identities to stored principals.
type Resolver struct {
	principals repositories.PrincipalRepository
	tenants    repositories.TenantRepository
	auditLogs  repositories.AuditRepository
	txManager  repositories.TransactionManager
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

// NewResolver creates a new Resolver
func NewResolver(repos *repositories.Repositories, txManager repositories.TransactionManager, cfg Config, logger *zap.Logger) *Resolver {
	return &Resolver{
		principals: repos.Principals,
		tenants:    repos.Tenants,
		auditLogs:  repos.AuditLogs,
		txManager:  txManager,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the principal for ext, creating it on first sight.
//
// The tenant's status is read on every call, so a suspension applies to
// the next request even for principals resolved before. Role updates and
// last-seen writes are best-effort: their failures are logged, not returned.
func (r *Resolver) Resolve(ctx context.Context, ext *oidc.ExternalToken) (*models.Principal, error) {
	if ext == nil || ext.Issuer == "" || ext.Subject == "" {
		return nil, services.ErrInvalidInput.Wrap(errors.New("external token has no identity"))
	}
	logger := observability.WithRequest(ctx, r.logger).With(
		zap.String("issuer", ext.Issuer),
		zap.String("subject", ext.Subject),
	)

	created := false
	p, err := r.principals.FindByExternalID(ctx, ext.Issuer, ext.Subject)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		p, created, err = r.provision(ctx, ext, logger)
		if err != nil {
			return nil, err
		}
	case err != nil:
		logger.Error("failed to load principal", zap.Error(err))
		return nil, wrapStoreError("failed to load principal", err)
	default:
		if ext.Tenant.State == oidc.ClaimPresent && ext.Tenant.Value != p.TenantID {
			logger.Warn("token tenant differs from stored tenant, keeping stored tenant",
				zap.String("stored_tenant", p.TenantID),
				zap.String("token_tenant", ext.Tenant.Value))
		}
	}

	status, err := r.tenants.GetStatus(ctx, p.TenantID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrTenantNotFound
		}
		logger.Error("failed to load tenant status", zap.String("tenant_id", p.TenantID), zap.Error(err))
		return nil, wrapStoreError("failed to load tenant status", err)
	}
	p.TenantStatus = status
	if status == models.TenantSuspended {
		logger.Info("rejected principal of suspended tenant", zap.String("tenant_id", p.TenantID))
		return nil, services.ErrTenantSuspended
	}

	if !created {
		r.reconcileRoles(ctx, p, ext, logger)
		r.touch(ctx, p, logger)
	}
	return p, nil
}

// provision creates the principal for a first-seen identity. Concurrent
// first sights of the same identity converge on one row.
func (r *Resolver) provision(ctx context.Context, ext *oidc.ExternalToken, logger *zap.Logger) (*models.Principal, bool, error) {
	if len(ext.Subject) > models.MaxSubjectLength {
		logger.Info("subject too long to provision", zap.Int("length", len(ext.Subject)))
		return nil, false, services.ErrInvalidToken.WithReason(ReasonMalformedSubject, nil)
	}
	tenantID, err := r.selectTenant(ext)
	if err != nil {
		logger.Info("cannot provision principal without tenant", zap.Error(err))
		return nil, false, err
	}
	if err := r.requireTenant(ctx, tenantID, logger); err != nil {
		return nil, false, err
	}

	roles := []string{}
	if ext.Roles.State == oidc.ClaimPresent {
		roles = ext.Roles.Values
	} else if ext.Roles.State == oidc.ClaimMalformed {
		logger.Warn("roles claim is malformed, provisioning with no roles")
	}

	candidate := models.NewPrincipal(ext.Issuer, ext.Subject, tenantID, roles)
	if len(ext.Email) <= models.MaxEmailLength {
		candidate.Email = ext.Email
	} else {
		logger.Warn("email claim too long, provisioning without it", zap.Int("length", len(ext.Email)))
	}
	if len(ext.Name) <= models.MaxDisplayNameLength {
		candidate.DisplayName = ext.Name
	} else {
		logger.Warn("name claim too long, provisioning without it", zap.Int("length", len(ext.Name)))
	}
	now := r.now()
	candidate.CreatedAt, candidate.UpdatedAt, candidate.LastSeenAt = now, now, now

	var stored *models.Principal
	var created bool
	err = r.txManager.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		var err error
		stored, created, err = r.principals.WithTx(tx).CreateIfAbsent(ctx, candidate)
		if err != nil || !created {
			return err
		}
		entry := models.NewAuditLog(tenantID, models.AuditActionPrincipalProvisioned).
			WithPrincipal(stored.ID).
			WithRequest(observability.RequestID(ctx)).
			WithDetails(map[string]interface{}{
				"issuer":  stored.Issuer,
				"subject": stored.Subject,
				"roles":   stored.Roles,
			})
		return r.auditLogs.WithTx(tx).Insert(ctx, entry)
	})

	if errors.Is(err, repositories.ErrDuplicate) {
		// Lost a race the insert could not absorb; the winner's row is committed.
		stored, err = r.principals.FindByExternalID(ctx, ext.Issuer, ext.Subject)
		created = false
	}
	if err != nil {
		logger.Error("failed to provision principal", zap.Error(err))
		return nil, false, wrapStoreError("failed to provision principal", err)
	}

	if created {
		logger.Info("provisioned principal",
			zap.String("principal_id", stored.ID.String()),
			zap.String("tenant_id", stored.TenantID),
			zap.Strings("roles", stored.Roles))
	}
	return stored, created, nil
}

func (r *Resolver) selectTenant(ext *oidc.ExternalToken) (string, error) {
	switch ext.Tenant.State {
	case oidc.ClaimPresent:
		if len(ext.Tenant.Value) > models.MaxTenantIDLength {
			return "", services.ErrInvalidToken.WithReason(ReasonMalformedTenant, nil)
		}
		return ext.Tenant.Value, nil
	case oidc.ClaimMalformed:
		return "", services.ErrInvalidToken.WithReason(ReasonMalformedTenant, nil)
	}
	if r.cfg.DefaultTenant != "" {
		return r.cfg.DefaultTenant, nil
	}
	return "", services.ErrInvalidToken.WithReason(ReasonMissingTenant, nil)
}

// requireTenant checks the tenant exists, creating it when auto-provisioning is on.
func (r *Resolver) requireTenant(ctx context.Context, tenantID string, logger *zap.Logger) error {
	_, err := r.tenants.Get(ctx, tenantID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		logger.Error("failed to load tenant", zap.String("tenant_id", tenantID), zap.Error(err))
		return wrapStoreError("failed to load tenant", err)
	}
	if !r.cfg.AutoProvisionTenants {
		logger.Info("tenant is not provisioned", zap.String("tenant_id", tenantID))
		return services.ErrTenantNotFound
	}

	err = r.txManager.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		_, created, err := r.tenants.WithTx(tx).EnsureTenant(ctx, tenantID)
		if err != nil || !created {
			return err
		}
		entry := models.NewAuditLog(tenantID, models.AuditActionTenantProvisioned).
			WithRequest(observability.RequestID(ctx))
		return r.auditLogs.WithTx(tx).Insert(ctx, entry)
	})
	if err != nil {
		logger.Error("failed to provision tenant", zap.String("tenant_id", tenantID), zap.Error(err))
		return wrapStoreError("failed to provision tenant", err)
	}
	return nil
}

// reconcileRoles makes the stored roles follow the identity provider.
// An absent or malformed roles claim leaves them untouched.
func (r *Resolver) reconcileRoles(ctx context.Context, p *models.Principal, ext *oidc.ExternalToken, logger *zap.Logger) {
	switch ext.Roles.State {
	case oidc.ClaimAbsent:
		return
	case oidc.ClaimMalformed:
		logger.Warn("roles claim is malformed, keeping stored roles", zap.String("principal_id", p.ID.String()))
		return
	}
	if p.SameRoles(ext.Roles.Values) {
		return
	}

	previous := p.Roles
	updated := *p
	updated.Roles = models.NormalizeRoles(ext.Roles.Values)
	updated.UpdatedAt = r.now()
	if ext.Email != "" {
		updated.Email = ext.Email
	}
	if ext.Name != "" {
		updated.DisplayName = ext.Name
	}

	err := r.txManager.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		if err := r.principals.WithTx(tx).Update(ctx, &updated); err != nil {
			return err
		}
		entry := models.NewAuditLog(p.TenantID, models.AuditActionPrincipalRolesChanged).
			WithPrincipal(p.ID).
			WithRequest(observability.RequestID(ctx)).
			WithDetails(map[string]interface{}{
				"previous": previous,
				"current":  updated.Roles,
			})
		return r.auditLogs.WithTx(tx).Insert(ctx, entry)
	})
	if err != nil {
		logger.Warn("failed to update principal roles, serving stored roles",
			zap.String("principal_id", p.ID.String()), zap.Error(err))
		return
	}

	logger.Info("principal roles changed",
		zap.String("principal_id", p.ID.String()),
		zap.Strings("previous", previous),
		zap.Strings("current", updated.Roles))
	p.Roles = updated.Roles
	p.Email = updated.Email
	p.DisplayName = updated.DisplayName
	p.UpdatedAt = updated.UpdatedAt
}

func (r *Resolver) touch(ctx context.Context, p *models.Principal, logger *zap.Logger) {
	at := r.now()
	if err := r.principals.TouchLastSeen(ctx, p.ID, at); err != nil {
		logger.Warn("failed to record last seen", zap.String("principal_id", p.ID.String()), zap.Error(err))
		return
	}
	p.LastSeenAt = at
}

// wrapStoreError classifies a repository failure. Rejected values are not
// retryable and become internal errors; everything else is ErrPersistence.
func wrapStoreError(message string, err error) error {
	if errors.Is(err, repositories.ErrInvalidData) {
		return services.WrapInternal(message, err)
	}
	return services.WrapPersistence(message, err)
}
