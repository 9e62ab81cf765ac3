package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/upb/tenant-auth/middleware"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/services/token"
	"github.com/upb/tenant-auth/utils"
)

// AuthService is the part of the pipeline the auth handlers call.
type AuthService interface {
	Authorize(ctx context.Context, p *models.Principal, capability string) error
	IssueServiceToken(ctx context.Context, p *models.Principal, requestedScope []string) (*token.ServiceToken, error)
}

// KeyPublisher exposes the service token verification keys.
type KeyPublisher interface {
	PublicJWKS() jose.JSONWebKeySet
}

// IssueTokenRequest is the body of POST /api/v1/auth/token
type IssueTokenRequest struct {
	Scope []string `json:"scope" validate:"max=32,dive,role"`
}

// IssueTokenResponse is returned by POST /api/v1/auth/token
type IssueTokenResponse struct {
	Token        string    `json:"token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	GrantedScope []string  `json:"granted_scope"`
}

// WhoAmIResponse describes the caller of an internal route.
type WhoAmIResponse struct {
	Subject   string    `json:"subject"`
	TenantID  string    `json:"tenant_id"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthHandler handles authentication HTTP requests
type AuthHandler struct {
	service AuthService
	keys    KeyPublisher
	logger  *zap.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthService, keys KeyPublisher, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		keys:    keys,
		logger:  logger,
	}
}

// HandleMe handles GET /api/v1/auth/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipalFromContext(r.Context())
	if p == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}
	_ = utils.WriteOK(w, p)
}

// HandleIssueToken handles POST /api/v1/auth/token
func (h *AuthHandler) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := middleware.GetPrincipalFromContext(ctx)
	if p == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	var req IssueTokenRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	tok, err := h.service.IssueServiceToken(ctx, p, req.Scope)
	if err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, IssueTokenResponse{
		Token:        tok.Token,
		TokenType:    "Bearer",
		ExpiresAt:    tok.ExpiresAt,
		GrantedScope: tok.Claims.Roles,
	})
}

// HandleAuthorize handles GET /api/v1/auth/authorize/{capability}
// It answers 204 when the caller holds the capability.
func (h *AuthHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	capability := chi.URLParam(r, "capability")

	if err := h.service.Authorize(ctx, middleware.GetPrincipalFromContext(ctx), capability); err != nil {
		HandleServiceError(w, r, err, h.logger)
		return
	}
	utils.WriteNoContent(w)
}

// HandleJWKS handles GET /.well-known/jwks.json
func (h *AuthHandler) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := utils.WriteJSON(w, http.StatusOK, h.keys.PublicJWKS()); err != nil {
		h.logger.Error("failed to write jwks response", zap.Error(err))
	}
}

// HandleWhoAmI handles GET /internal/v1/whoami
func (h *AuthHandler) HandleWhoAmI(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetServiceClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "")
		return
	}

	resp := WhoAmIResponse{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Roles:    claims.Roles,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	_ = utils.WriteOK(w, resp)
}
