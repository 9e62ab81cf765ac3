package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/tenant-auth/config"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/oidc"
	"github.com/upb/tenant-auth/repositories/memory"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/principal"
	"github.com/upb/tenant-auth/services/token"
)

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, raw string) (*oidc.ExternalToken, error) {
	args := m.Called(ctx, raw)
	if ext := args.Get(0); ext != nil {
		return ext.(*oidc.ExternalToken), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, ext *oidc.ExternalToken) (*models.Principal, error) {
	args := m.Called(ctx, ext)
	if p := args.Get(0); p != nil {
		return p.(*models.Principal), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) LogAuthorizationDenied(ctx context.Context, p *models.Principal, capability, reason string) error {
	return m.Called(ctx, p, capability, reason).Error(0)
}

func activePrincipal(roles ...string) *models.Principal {
	p := models.NewPrincipal("https://idp.example.com", "alice", "acme", roles)
	p.TenantStatus = models.TenantActive
	return p
}

func newIssuer(t *testing.T) *token.Issuer {
	t.Helper()
	cfg := config.ServiceTokenConfig{Issuer: "tenant-auth", Audience: "internal", Lifetime: 5 * time.Minute}
	key, err := token.LoadSigningKey(cfg, true)
	require.NoError(t, err)
	return token.NewIssuer(key, cfg)
}

func TestService_Authenticate(t *testing.T) {
	ext := &oidc.ExternalToken{Issuer: "https://idp.example.com", Subject: "alice"}
	p := activePrincipal("reader")

	t.Run("success", func(t *testing.T) {
		verifier := new(mockVerifier)
		resolver := new(mockResolver)
		verifier.On("Verify", mock.Anything, "raw").Return(ext, nil)
		resolver.On("Resolve", mock.Anything, ext).Return(p, nil)

		svc := NewService(verifier, resolver, nil, nil, zap.NewNop())
		got, err := svc.Authenticate(context.Background(), "raw")

		require.NoError(t, err)
		assert.Equal(t, p, got)
		verifier.AssertExpectations(t)
		resolver.AssertExpectations(t)
	})

	t.Run("empty token is never verified", func(t *testing.T) {
		verifier := new(mockVerifier)
		svc := NewService(verifier, new(mockResolver), nil, nil, zap.NewNop())

		_, err := svc.Authenticate(context.Background(), "")

		assert.True(t, errors.Is(err, services.ErrInvalidToken))
		verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
	})

	t.Run("verification failure skips resolve", func(t *testing.T) {
		verifier := new(mockVerifier)
		resolver := new(mockResolver)
		verifier.On("Verify", mock.Anything, "raw").
			Return(nil, services.ErrInvalidToken.WithReason(oidc.ReasonExpired, nil))

		svc := NewService(verifier, resolver, nil, nil, zap.NewNop())
		_, err := svc.Authenticate(context.Background(), "raw")

		assert.Equal(t, oidc.ReasonExpired, services.GetReason(err))
		resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
	})

	t.Run("resolve failure is returned unchanged", func(t *testing.T) {
		verifier := new(mockVerifier)
		resolver := new(mockResolver)
		verifier.On("Verify", mock.Anything, "raw").Return(ext, nil)
		resolver.On("Resolve", mock.Anything, ext).Return(nil, services.ErrTenantSuspended)

		svc := NewService(verifier, resolver, nil, nil, zap.NewNop())
		_, err := svc.Authenticate(context.Background(), "raw")

		assert.True(t, errors.Is(err, services.ErrTenantSuspended))
	})
}

func TestService_Authorize(t *testing.T) {
	t.Run("allowed is not recorded", func(t *testing.T) {
		recorder := new(mockRecorder)
		svc := NewService(nil, nil, nil, recorder, zap.NewNop())

		assert.NoError(t, svc.Authorize(context.Background(), activePrincipal("reader"), "reader"))
		recorder.AssertNotCalled(t, "LogAuthorizationDenied", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("denied is recorded with reason", func(t *testing.T) {
		p := activePrincipal("reader")
		recorder := new(mockRecorder)
		recorder.On("LogAuthorizationDenied", mock.Anything, p, "writer", "missing_role").Return(nil)
		svc := NewService(nil, nil, nil, recorder, zap.NewNop())

		err := svc.Authorize(context.Background(), p, "writer")

		assert.True(t, errors.Is(err, services.ErrAccessDenied))
		assert.True(t, services.IsForbiddenError(err))
		assert.Equal(t, "missing_role", services.GetReason(err))
		recorder.AssertExpectations(t)
	})

	t.Run("recorder failure does not change the decision", func(t *testing.T) {
		recorder := new(mockRecorder)
		recorder.On("LogAuthorizationDenied", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("buffer full"))
		svc := NewService(nil, nil, nil, recorder, zap.NewNop())

		err := svc.Authorize(context.Background(), activePrincipal(), "reader")

		assert.True(t, errors.Is(err, services.ErrAccessDenied))
	})

	t.Run("nil recorder", func(t *testing.T) {
		svc := NewService(nil, nil, nil, nil, zap.NewNop())

		err := svc.Authorize(context.Background(), nil, "reader")

		assert.Equal(t, "no_principal", services.GetReason(err))
	})
}

func TestService_IssueServiceToken(t *testing.T) {
	svc := NewService(nil, nil, newIssuer(t), nil, zap.NewNop())

	tok, err := svc.IssueServiceToken(context.Background(), activePrincipal("reader"), []string{"reader", "writer"})
	require.NoError(t, err)
	assert.Equal(t, []string{"reader"}, tok.Claims.Roles)

	_, err = svc.IssueServiceToken(context.Background(), activePrincipal("reader"), []string{"admin"})
	assert.True(t, errors.Is(err, services.ErrScopeNotGranted))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.IssueServiceToken(ctx, activePrincipal("reader"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// pipeline wires real components against an in-process identity provider.
type pipeline struct {
	svc    *Service
	store  *memory.Store
	key    *rsa.PrivateKey
	issuer string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &key.PublicKey,
		KeyID:     "idp-1",
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)

	store := memory.NewStore()
	_, _, err = store.Repositories().Tenants.EnsureTenant(context.Background(), "acme")
	require.NoError(t, err)

	verifier := oidc.NewVerifier(oidc.Options{
		Issuers:      []oidc.TrustedIssuer{{Issuer: srv.URL, JWKSURL: srv.URL}},
		Audience:     []string{"tenant-api"},
		ClockSkew:    time.Minute,
		FetchTimeout: 2 * time.Second,
		Logger:       zap.NewNop(),
	})
	resolver := principal.NewResolver(store.Repositories(), store.TransactionManager(), principal.Config{}, zap.NewNop())

	return &pipeline{
		svc:    NewService(verifier, resolver, newIssuer(t), nil, zap.NewNop()),
		store:  store,
		key:    key,
		issuer: srv.URL,
	}
}

func (p *pipeline) sign(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       p.issuer,
		"sub":       subject,
		"aud":       "tenant-api",
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
		"roles":     roles,
		"tenant_id": "acme",
	})
	tok.Header["kid"] = "idp-1"
	s, err := tok.SignedString(p.key)
	require.NoError(t, err)
	return s
}

func TestPipeline_AliceScenario(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	alice, err := p.svc.Authenticate(ctx, p.sign(t, "alice", "reader"))
	require.NoError(t, err)

	assert.NoError(t, p.svc.Authorize(ctx, alice, "reader"))
	assert.True(t, errors.Is(p.svc.Authorize(ctx, alice, "writer"), services.ErrAccessDenied))

	tok, err := p.svc.IssueServiceToken(ctx, alice, []string{"reader", "writer"})
	require.NoError(t, err)
	assert.Equal(t, []string{"reader"}, tok.Claims.Roles)
	assert.Equal(t, alice.ID.String(), tok.Claims.Subject)
}

func TestPipeline_BobSuspendedAfterFirstLogin(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	bob, err := p.svc.Authenticate(ctx, p.sign(t, "bob", "reader"))
	require.NoError(t, err)
	assert.NoError(t, p.svc.Authorize(ctx, bob, "reader"))

	require.NoError(t, p.store.Repositories().Tenants.SetStatus(ctx, "acme", models.TenantSuspended))

	_, err = p.svc.Authenticate(ctx, p.sign(t, "bob", "reader"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrTenantSuspended))
	assert.True(t, services.IsForbiddenError(err))
	assert.False(t, services.IsUnavailableError(err))
}

func TestPipeline_RejectsForeignSignature(t *testing.T) {
	p := newPipeline(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p.key = other

	_, err = p.svc.Authenticate(context.Background(), p.sign(t, "mallory", "admin"))

	assert.True(t, errors.Is(err, services.ErrInvalidToken))
	assert.Equal(t, oidc.ReasonBadSignature, services.GetReason(err))
	assert.Equal(t, 0, p.store.PrincipalCount())
}
