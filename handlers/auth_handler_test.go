package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/tenant-auth/config"
	"github.com/upb/tenant-auth/middleware"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/token"
)

type mockAuthService struct {
	mock.Mock
}

func (m *mockAuthService) Authorize(ctx context.Context, p *models.Principal, capability string) error {
	return m.Called(ctx, p, capability).Error(0)
}

func (m *mockAuthService) IssueServiceToken(ctx context.Context, p *models.Principal, requestedScope []string) (*token.ServiceToken, error) {
	args := m.Called(ctx, p, requestedScope)
	if tok := args.Get(0); tok != nil {
		return tok.(*token.ServiceToken), args.Error(1)
	}
	return nil, args.Error(1)
}

func newTokenIssuer(t *testing.T) *token.Issuer {
	t.Helper()
	cfg := config.ServiceTokenConfig{Issuer: "tenant-auth", Audience: "internal", Lifetime: 5 * time.Minute}
	key, err := token.LoadSigningKey(cfg, true)
	require.NoError(t, err)
	return token.NewIssuer(key, cfg)
}

func alicePrincipal() *models.Principal {
	p := models.NewPrincipal("https://idp.example.com", "alice", "acme", []string{"reader"})
	p.TenantStatus = models.TenantActive
	return p
}

func withPrincipal(r *http.Request, p *models.Principal) *http.Request {
	return r.WithContext(middleware.WithPrincipal(r.Context(), p))
}

func TestHandleMe(t *testing.T) {
	h := NewAuthHandler(new(mockAuthService), newTokenIssuer(t), zap.NewNop())

	t.Run("returns the principal", func(t *testing.T) {
		alice := alicePrincipal()
		w := httptest.NewRecorder()

		h.HandleMe(w, withPrincipal(httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil), alice))

		assert.Equal(t, http.StatusOK, w.Code)
		var response struct {
			Data models.Principal `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, alice.ID, response.Data.ID)
		assert.Equal(t, []string{"reader"}, response.Data.Roles)
	})

	t.Run("no principal", func(t *testing.T) {
		w := httptest.NewRecorder()

		h.HandleMe(w, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandleIssueToken(t *testing.T) {
	issuer := newTokenIssuer(t)
	alice := alicePrincipal()

	t.Run("issues scoped token", func(t *testing.T) {
		svc := new(mockAuthService)
		tok, err := issuer.Issue(alice, []string{"reader"})
		require.NoError(t, err)
		svc.On("IssueServiceToken", mock.Anything, alice, []string{"reader", "writer"}).Return(tok, nil)
		h := NewAuthHandler(svc, issuer, zap.NewNop())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(`{"scope":["reader","writer"]}`))
		w := httptest.NewRecorder()
		h.HandleIssueToken(w, withPrincipal(req, alice))

		assert.Equal(t, http.StatusOK, w.Code)
		var response struct {
			Data IssueTokenResponse `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "Bearer", response.Data.TokenType)
		assert.Equal(t, []string{"reader"}, response.Data.GrantedScope)
		assert.Equal(t, tok.Token, response.Data.Token)
		svc.AssertExpectations(t)
	})

	t.Run("scope not granted", func(t *testing.T) {
		svc := new(mockAuthService)
		svc.On("IssueServiceToken", mock.Anything, alice, []string{"admin"}).Return(nil, services.ErrScopeNotGranted)
		h := NewAuthHandler(svc, issuer, zap.NewNop())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(`{"scope":["admin"]}`))
		w := httptest.NewRecorder()
		h.HandleIssueToken(w, withPrincipal(req, alice))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		svc := new(mockAuthService)
		h := NewAuthHandler(svc, issuer, zap.NewNop())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(`{"scope":"reader"}`))
		w := httptest.NewRecorder()
		h.HandleIssueToken(w, withPrincipal(req, alice))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "IssueServiceToken", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("blank role", func(t *testing.T) {
		h := NewAuthHandler(new(mockAuthService), issuer, zap.NewNop())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(`{"scope":["reader",""]}`))
		w := httptest.NewRecorder()
		h.HandleIssueToken(w, withPrincipal(req, alice))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleAuthorize(t *testing.T) {
	alice := alicePrincipal()
	svc := new(mockAuthService)
	svc.On("Authorize", mock.Anything, alice, "reader").Return(nil)
	svc.On("Authorize", mock.Anything, alice, "writer").Return(services.ErrAccessDenied.WithReason("missing_role", nil))
	h := NewAuthHandler(svc, newTokenIssuer(t), zap.NewNop())

	router := chi.NewRouter()
	router.Get("/authorize/{capability}", func(w http.ResponseWriter, r *http.Request) {
		h.HandleAuthorize(w, withPrincipal(r, alice))
	})

	tests := []struct {
		capability string
		want       int
	}{
		{capability: "reader", want: http.StatusNoContent},
		{capability: "writer", want: http.StatusForbidden},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/authorize/"+tt.capability, nil))
		assert.Equal(t, tt.want, w.Code, tt.capability)
		assert.NotContains(t, w.Body.String(), "missing_role")
	}
}

func TestHandleJWKS(t *testing.T) {
	issuer := newTokenIssuer(t)
	h := NewAuthHandler(new(mockAuthService), issuer, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleJWKS(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=300", w.Header().Get("Cache-Control"))

	var set jose.JSONWebKeySet
	require.NoError(t, json.NewDecoder(w.Body).Decode(&set))
	require.Len(t, set.Keys, 1)
	assert.True(t, set.Keys[0].IsPublic())

	tok, err := issuer.Issue(alicePrincipal(), []string{"reader"})
	require.NoError(t, err)
	_, err = token.NewVerifier(set, "tenant-auth").Verify(tok.Token)
	assert.NoError(t, err)
}

func TestHandleWhoAmI(t *testing.T) {
	h := NewAuthHandler(new(mockAuthService), newTokenIssuer(t), zap.NewNop())
	exp := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	claims := &token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "p-1", ExpiresAt: jwt.NewNumericDate(exp)},
		TenantID:         "acme",
		Roles:            []string{"reader"},
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/v1/whoami", nil)
	req = req.WithContext(middleware.WithServiceClaims(req.Context(), claims))
	w := httptest.NewRecorder()
	h.HandleWhoAmI(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response struct {
		Data WhoAmIResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "p-1", response.Data.Subject)
	assert.Equal(t, "acme", response.Data.TenantID)
	assert.True(t, exp.Equal(response.Data.ExpiresAt))

	w = httptest.NewRecorder()
	h.HandleWhoAmI(w, httptest.NewRequest(http.MethodGet, "/internal/v1/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
