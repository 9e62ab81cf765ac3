package middleware

import (
	"context"

	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/services/token"
)

// Context key type to avoid collisions
type contextKey string

const (
	// PrincipalKey is the context key for the resolved principal
	PrincipalKey contextKey = "principal"

	// ServiceClaimsKey is the context key for verified service token claims
	ServiceClaimsKey contextKey = "service_claims"
)

// GetPrincipalFromContext retrieves the resolved principal from context
func GetPrincipalFromContext(ctx context.Context) *models.Principal {
	if val := ctx.Value(PrincipalKey); val != nil {
		if p, ok := val.(*models.Principal); ok {
			return p
		}
	}
	return nil
}

// WithPrincipal adds the resolved principal to the context
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// GetServiceClaimsFromContext retrieves service token claims from context
func GetServiceClaimsFromContext(ctx context.Context) *token.Claims {
	if val := ctx.Value(ServiceClaimsKey); val != nil {
		if claims, ok := val.(*token.Claims); ok {
			return claims
		}
	}
	return nil
}

// WithServiceClaims adds service token claims to the context
func WithServiceClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, ServiceClaimsKey, claims)
}
