package oidc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/upb/tenant-auth/config"
	"github.com/upb/tenant-auth/services"
)

// Rejection reasons attached to services.ErrInvalidToken.
const (
	ReasonMalformed        = "malformed"
	ReasonUntrustedIssuer  = "untrusted_issuer"
	ReasonMissingKeyID     = "missing_kid"
	ReasonUnknownKey       = "unknown_key"
	ReasonBadSignature     = "bad_signature"
	ReasonExpired          = "expired"
	ReasonNotYetValid      = "not_yet_valid"
	ReasonAudienceMismatch = "audience_mismatch"
	ReasonMissingSubject   = "missing_subject"
)

// allowedAlgorithms are the asymmetric algorithms accepted from issuers.
// "none" and HMAC algorithms are never accepted.
var allowedAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// ExternalToken is a verified bearer token from a trusted issuer.
type ExternalToken struct {
	Issuer    string
	Subject   string
	Audience  []string
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Roles     ClaimStrings
	Tenant    ClaimString
	Email     string
	Name      string
	Claims    map[string]interface{}
}

// TrustedIssuer names an issuer and, optionally, where its keys live.
type TrustedIssuer struct {
	Issuer  string
	JWKSURL string
}

// Options configures a Verifier.
type Options struct {
	Issuers            []TrustedIssuer
	Audience           []string
	ClockSkew          time.Duration
	KeySetTTL          time.Duration
	MinRefreshInterval time.Duration
	FetchTimeout       time.Duration
	RolesClaim         string
	TenantClaim        string
	HTTPClient         *http.Client
	Shared             SharedKeyCache
	Logger             *zap.Logger
	Now                func() time.Time
}

// OptionsFromConfig maps the OIDC section of the service configuration.
// The configured JWKS URL applies to the primary issuer only; extra issuers
// are always discovered.
func OptionsFromConfig(cfg config.OIDCConfig) Options {
	opts := Options{
		Audience:           cfg.Audience,
		ClockSkew:          cfg.ClockSkew,
		KeySetTTL:          cfg.KeySetTTL,
		MinRefreshInterval: cfg.MinRefreshInterval,
		FetchTimeout:       cfg.FetchTimeout,
		RolesClaim:         cfg.RolesClaim,
		TenantClaim:        cfg.TenantClaim,
	}
	for _, issuer := range cfg.TrustedIssuers() {
		ti := TrustedIssuer{Issuer: issuer}
		if issuer == cfg.IssuerURL {
			ti.JWKSURL = cfg.JWKSURL
		}
		opts.Issuers = append(opts.Issuers, ti)
	}
	return opts
}

// Verifier validates bearer tokens against the trusted issuers' key sets.
type Verifier struct {
	keySets     map[string]*KeySet
	audience    []string
	parser      *jwt.Parser
	rolesClaim  string
	tenantClaim string
	logger      *zap.Logger
}

// NewVerifier creates a Verifier. With no issuers configured every token
// is rejected as untrusted.
func NewVerifier(opts Options) *Verifier {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RolesClaim == "" {
		opts.RolesClaim = "roles"
	}
	if opts.TenantClaim == "" {
		opts.TenantClaim = "tenant_id"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.FetchTimeout}
	}

	keySets := make(map[string]*KeySet, len(opts.Issuers))
	for _, ti := range opts.Issuers {
		keySets[ti.Issuer] = NewKeySet(ti.Issuer, KeySetOptions{
			JWKSURL:            ti.JWKSURL,
			TTL:                opts.KeySetTTL,
			MinRefreshInterval: opts.MinRefreshInterval,
			FetchTimeout:       opts.FetchTimeout,
			HTTPClient:         opts.HTTPClient,
			Shared:             opts.Shared,
			Logger:             opts.Logger,
			Now:                opts.Now,
		})
	}

	return &Verifier{
		keySets:  keySets,
		audience: opts.Audience,
		parser: jwt.NewParser(
			jwt.WithValidMethods(allowedAlgorithms),
			jwt.WithLeeway(opts.ClockSkew),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(opts.Now),
		),
		rolesClaim:  opts.RolesClaim,
		tenantClaim: opts.TenantClaim,
		logger:      opts.Logger,
	}
}

// KeySet returns the key set of a trusted issuer, or nil.
func (v *Verifier) KeySet(issuer string) *KeySet {
	return v.keySets[issuer]
}

// Verify checks raw and returns its identity claims.
//
// Failures are services.ErrInvalidToken carrying a reason, or
// services.ErrKeySetUnavailable when keys could not be fetched.
func (v *Verifier) Verify(ctx context.Context, raw string) (*ExternalToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Count(raw, ".") != 2 {
		return nil, v.reject(ReasonMalformed, errors.New("token is not a compact JWS"))
	}

	// The issuer is checked before any key fetch so untrusted tokens
	// never cause outbound requests.
	unverified := jwt.MapClaims{}
	header, _, err := v.parser.ParseUnverified(raw, unverified)
	if err != nil {
		return nil, v.reject(ReasonMalformed, err)
	}

	issuer, _ := unverified.GetIssuer()
	keySet, ok := v.keySets[issuer]
	if !ok {
		return nil, v.reject(ReasonUntrustedIssuer, errors.New("issuer "+issuer+" is not trusted"))
	}

	kid, _ := header.Header["kid"].(string)
	if kid == "" {
		return nil, v.reject(ReasonMissingKeyID, nil)
	}

	key, err := keySet.Key(ctx, kid)
	if err != nil {
		if errors.Is(err, errUnknownKey) {
			return nil, v.reject(ReasonUnknownKey, err)
		}
		v.logger.Warn("signing keys unavailable", zap.String("issuer", issuer), zap.Error(err))
		return nil, services.ErrKeySetUnavailable.Wrap(err)
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	})
	if err != nil {
		return nil, v.reject(reasonFor(err), err)
	}

	aud, _ := claims.GetAudience()
	if len(v.audience) > 0 && !containsAudience(aud, v.audience) {
		return nil, v.reject(ReasonAudienceMismatch, nil)
	}

	sub, _ := claims.GetSubject()
	if strings.TrimSpace(sub) == "" {
		return nil, v.reject(ReasonMissingSubject, nil)
	}

	ext := &ExternalToken{
		Issuer:   issuer,
		Subject:  sub,
		Audience: aud,
		KeyID:    kid,
		Roles:    stringsClaim(claims, v.rolesClaim),
		Tenant:   stringClaim(claims, v.tenantClaim),
		Email:    optionalString(claims, "email"),
		Name:     optionalString(claims, "name"),
		Claims:   claims,
	}
	if exp, _ := token.Claims.GetExpirationTime(); exp != nil {
		ext.ExpiresAt = exp.Time
	}
	if iat, _ := token.Claims.GetIssuedAt(); iat != nil {
		ext.IssuedAt = iat.Time
	}
	return ext, nil
}

func (v *Verifier) reject(reason string, err error) error {
	v.logger.Debug("token rejected", zap.String("reason", reason), zap.Error(err))
	return services.ErrInvalidToken.WithReason(reason, err)
}

// reasonFor maps parser errors. Signature errors come first because the
// parser verifies the signature before any time-based claim.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrInvalidKeyType),
		errors.Is(err, jwt.ErrECDSAVerification):
		return ReasonBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ReasonNotYetValid
	default:
		return ReasonMalformed
	}
}

// containsAudience reports whether any token audience is accepted.
func containsAudience(tokenAudience, accepted []string) bool {
	for _, a := range tokenAudience {
		for _, b := range accepted {
			if a == b {
				return true
			}
		}
	}
	return false
}
