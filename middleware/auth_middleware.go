package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/token"
	"github.com/upb/tenant-auth/utils"
)

// Authenticator runs the authentication pipeline for a request.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*models.Principal, error)
	Authorize(ctx context.Context, p *models.Principal, capability string) error
}

// ServiceTokenVerifier validates service tokens on internal routes.
type ServiceTokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	auth          Authenticator
	serviceTokens ServiceTokenVerifier
	logger        *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(auth Authenticator, serviceTokens ServiceTokenVerifier, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		auth:          auth,
		serviceTokens: serviceTokens,
		logger:        logger,
	}
}

// RequireAuth is a middleware that requires a valid bearer token from a
// trusted issuer and puts the resolved principal in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := observability.WithRequest(ctx, m.logger)

		raw := extractBearerToken(r)
		if raw == "" {
			logger.Warn("missing bearer token")
			_ = utils.WriteUnauthorized(w, "")
			return
		}

		p, err := m.auth.Authenticate(ctx, raw)
		if err != nil {
			writeError(w, logger, "authentication failed", err)
			return
		}

		logger.Debug("authentication successful",
			zap.String("principal_id", p.ID.String()),
			zap.String("tenant_id", p.TenantID))

		next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
	})
}

// RequireCapability is a middleware that requires the principal to hold
// capability. It must run after RequireAuth.
func (m *AuthMiddleware) RequireCapability(capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := observability.WithRequest(ctx, m.logger)

			if err := m.auth.Authorize(ctx, GetPrincipalFromContext(ctx), capability); err != nil {
				writeError(w, logger.With(zap.String("capability", capability)), "authorization denied", err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireServiceToken is a middleware that requires a service token minted
// by this service.
func (m *AuthMiddleware) RequireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := observability.WithRequest(ctx, m.logger)

		raw := extractBearerToken(r)
		if raw == "" {
			logger.Warn("missing service token")
			_ = utils.WriteUnauthorized(w, "")
			return
		}

		claims, err := m.serviceTokens.Verify(raw)
		if err != nil {
			writeError(w, logger, "service token rejected", err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithServiceClaims(ctx, claims)))
	})
}

// writeError logs err with its reason code and writes the generic response
// for its class.
func writeError(w http.ResponseWriter, logger *zap.Logger, msg string, err error) {
	fields := []zap.Field{
		zap.String("code", services.GetErrorCode(err)),
		zap.String("reason", services.GetReason(err)),
		zap.Error(err),
	}
	status, _ := utils.WriteServiceError(w, err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, append(fields, zap.Int("status", status))...)
		return
	}
	logger.Warn(msg, append(fields, zap.Int("status", status))...)
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	// Check if it starts with "Bearer "
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
