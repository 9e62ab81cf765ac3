package oidc

import (
	"context"
	"fmt"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// providerMetadata is the subset of the openid-configuration document we use.
type providerMetadata struct {
	JWKSURI string `json:"jwks_uri"`
}

// DiscoverJWKSURL reads issuer's /.well-known/openid-configuration and
// returns its jwks_uri. The document's issuer must match exactly.
func DiscoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	if client != nil {
		ctx = gooidc.ClientContext(ctx, client)
	}

	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("failed to discover provider %s: %w", issuer, err)
	}

	var meta providerMetadata
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("failed to decode provider metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return "", fmt.Errorf("provider %s does not publish jwks_uri", issuer)
	}
	return meta.JWKSURI, nil
}
