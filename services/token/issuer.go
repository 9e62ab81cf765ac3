package token

import (
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/upb/tenant-auth/config"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/services"
)

// Claims are the claims of an internally issued service token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// ServiceToken is a signed short-lived token for calls to internal services.
type ServiceToken struct {
	Token     string
	Claims    *Claims
	ExpiresAt time.Time
}

// Issuer mints service tokens scoped down from a principal's roles.
// It does no I/O.
type Issuer struct {
	key      *SigningKey
	issuer   string
	audience string
	lifetime time.Duration
	now      func() time.Time
}

// NewIssuer creates a new Issuer
func NewIssuer(key *SigningKey, cfg config.ServiceTokenConfig) *Issuer {
	lifetime := cfg.Lifetime
	if lifetime <= 0 || lifetime > config.MaxServiceTokenLifetime {
		lifetime = config.MaxServiceTokenLifetime
	}
	return &Issuer{
		key:      key,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		lifetime: lifetime,
		now:      time.Now,
	}
}

// WithClock replaces the issuer's time source.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue signs a token for p carrying the requested roles p actually holds.
//
// A non-empty request that shares no role with p fails with
// services.ErrScopeNotGranted. An empty request yields an identity-only
// token with no roles.
func (i *Issuer) Issue(p *models.Principal, requestedScope []string) (*ServiceToken, error) {
	if p == nil {
		return nil, services.ErrInvalidInput.Wrap(errors.New("no principal"))
	}
	switch p.TenantStatus {
	case models.TenantActive:
	case models.TenantSuspended:
		return nil, services.ErrTenantSuspended
	default:
		return nil, services.ErrAccessDenied.WithReason("tenant_inactive", nil)
	}

	requested := models.NormalizeRoles(requestedScope)
	granted := GrantedScope(p.Roles, requested)
	if len(requested) > 0 && len(granted) == 0 {
		return nil, services.ErrScopeNotGranted.WithReason("empty_intersection", nil).
			WithDetail("requested", requested)
	}

	now := i.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(i.lifetime)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   p.ID.String(),
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		TenantID: p.TenantID,
		Roles:    granted,
	}

	tok := jwt.NewWithClaims(i.key.Method, claims)
	tok.Header["kid"] = i.key.ID
	signed, err := tok.SignedString(i.key.Private)
	if err != nil {
		return nil, services.WrapInternal("failed to sign service token", err)
	}

	return &ServiceToken{
		Token:     signed,
		Claims:    claims,
		ExpiresAt: expiresAt,
	}, nil
}

// PublicJWKS returns the key set that verifies this issuer's tokens.
func (i *Issuer) PublicJWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       i.key.Public(),
		KeyID:     i.key.ID,
		Algorithm: i.key.Method.Alg(),
		Use:       "sig",
	}}}
}

// Verifier returns a Verifier for this issuer's own tokens.
func (i *Issuer) Verifier() *Verifier {
	return NewVerifier(i.PublicJWKS(), i.issuer).WithClock(i.now)
}

// GrantedScope returns the sorted roles present in both sets.
func GrantedScope(roles, requested []string) []string {
	held := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		held[r] = struct{}{}
	}
	granted := make([]string, 0, len(requested))
	for _, r := range models.NormalizeRoles(requested) {
		if _, ok := held[r]; ok {
			granted = append(granted, r)
		}
	}
	return granted
}
