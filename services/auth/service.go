// Package auth runs the per-request authentication pipeline: verify the
// bearer token, resolve the principal, and gate or mint credentials for it.
package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/oidc"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/authz"
	"github.com/upb/tenant-auth/services/token"
)

// TokenVerifier validates inbound identity tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*oidc.ExternalToken, error)
}

// PrincipalResolver binds a verified identity to a stored principal.
type PrincipalResolver interface {
	Resolve(ctx context.Context, ext *oidc.ExternalToken) (*models.Principal, error)
}

// TokenIssuer mints service tokens for egress calls.
type TokenIssuer interface {
	Issue(p *models.Principal, requestedScope []string) (*token.ServiceToken, error)
}

// DecisionRecorder records denied authorization checks.
type DecisionRecorder interface {
	LogAuthorizationDenied(ctx context.Context, p *models.Principal, capability, reason string) error
}

// Service wires the pipeline stages together. It holds no per-request state.
type Service struct {
	verifier TokenVerifier
	resolver PrincipalResolver
	issuer   TokenIssuer
	recorder DecisionRecorder
	logger   *zap.Logger
}

// NewService creates a new Service. recorder may be nil.
func NewService(verifier TokenVerifier, resolver PrincipalResolver, issuer TokenIssuer, recorder DecisionRecorder, logger *zap.Logger) *Service {
	return &Service{
		verifier: verifier,
		resolver: resolver,
		issuer:   issuer,
		recorder: recorder,
		logger:   logger,
	}
}

// Authenticate verifies raw and resolves its principal.
func (s *Service) Authenticate(ctx context.Context, raw string) (*models.Principal, error) {
	if raw == "" {
		return nil, services.ErrInvalidToken.WithReason(oidc.ReasonMalformed, nil)
	}

	ext, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}

	p, err := s.resolver.Resolve(ctx, ext)
	if err != nil {
		return nil, err
	}

	observability.WithRequest(ctx, s.logger).Debug("authenticated principal",
		zap.String("principal_id", p.ID.String()),
		zap.String("tenant_id", p.TenantID))
	return p, nil
}

// Authorize checks capability for p. A denial returns ErrAccessDenied with
// the gate's reason attached and is recorded for audit.
func (s *Service) Authorize(ctx context.Context, p *models.Principal, capability string) error {
	decision := authz.Authorize(p, capability)
	if decision.Allowed {
		return nil
	}

	if s.recorder != nil {
		if err := s.recorder.LogAuthorizationDenied(ctx, p, capability, decision.Reason); err != nil {
			observability.WithRequest(ctx, s.logger).Warn("failed to record authorization denial",
				zap.String("capability", capability),
				zap.Error(err))
		}
	}
	return services.ErrAccessDenied.WithReason(decision.Reason, nil).
		WithDetail("capability", capability)
}

// IssueServiceToken mints a service token for p limited to requestedScope.
func (s *Service) IssueServiceToken(ctx context.Context, p *models.Principal, requestedScope []string) (*token.ServiceToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tok, err := s.issuer.Issue(p, requestedScope)
	if err != nil {
		return nil, err
	}

	observability.WithRequest(ctx, s.logger).Info("issued service token",
		zap.String("principal_id", p.ID.String()),
		zap.String("tenant_id", p.TenantID),
		zap.Strings("granted_scope", tok.Claims.Roles),
		zap.String("jti", tok.Claims.ID))
	return tok, nil
}
