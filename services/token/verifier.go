package token

import (
	"errors"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/upb/tenant-auth/services"
)

// Verifier validates service tokens by signature, issuer and expiry only.
// Service tokens cannot be revoked; their short lifetime bounds misuse.
type Verifier struct {
	keys   map[string]interface{}
	issuer string
	now    func() time.Time
}

// NewVerifier creates a verifier trusting the keys in set.
func NewVerifier(set jose.JSONWebKeySet, issuer string) *Verifier {
	keys := make(map[string]interface{}, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID != "" && k.IsPublic() {
			keys[k.KeyID] = k.Key
		}
	}
	return &Verifier{keys: keys, issuer: issuer, now: time.Now}
}

// WithClock replaces the verifier's time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify parses raw and returns its claims.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.keys[kid]
		if !ok {
			return nil, errors.New("unknown service token key")
		}
		return key, nil
	})
	if err != nil {
		reason := "malformed"
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			reason = "expired"
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			reason = "untrusted_issuer"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			reason = "bad_signature"
		}
		return nil, services.ErrInvalidToken.WithReason(reason, err)
	}
	return claims, nil
}
