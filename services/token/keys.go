package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/upb/tenant-auth/config"
)

// ephemeralKeyBits is the size of the RSA key generated when none is configured.
const ephemeralKeyBits = 2048

// SigningKey is the service's private key with its JWS algorithm and key ID.
type SigningKey struct {
	ID      string
	Method  jwt.SigningMethod
	Private crypto.Signer
}

// Public returns the verification half of the key.
func (k *SigningKey) Public() crypto.PublicKey {
	return k.Private.Public()
}

// NewSigningKey picks the algorithm for priv: RS256 for RSA, ES256 for
// ECDSA P-256. An empty kid is replaced by the key's JWK thumbprint.
func NewSigningKey(priv crypto.Signer, kid string) (*SigningKey, error) {
	var method jwt.SigningMethod
	switch key := priv.(type) {
	case *rsa.PrivateKey:
		if key.N.BitLen() < 2048 {
			return nil, fmt.Errorf("RSA signing key must be at least 2048 bits, got %d", key.N.BitLen())
		}
		method = jwt.SigningMethodRS256
	case *ecdsa.PrivateKey:
		if key.Curve != elliptic.P256() {
			return nil, errors.New("ECDSA signing key must use curve P-256")
		}
		method = jwt.SigningMethodES256
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", priv)
	}

	if kid == "" {
		jwk := jose.JSONWebKey{Key: priv.Public()}
		thumb, err := jwk.Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
		}
		kid = base64.RawURLEncoding.EncodeToString(thumb)
	}

	return &SigningKey{ID: kid, Method: method, Private: priv}, nil
}

// ParsePrivateKeyPEM decodes a PKCS#8, PKCS#1 or SEC 1 private key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found in signing key")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported PKCS#8 key type %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

// LoadSigningKey reads the configured key from SERVICE_TOKEN_SIGNING_KEY or
// SERVICE_TOKEN_SIGNING_KEY_FILE. With neither set it generates an
// ephemeral RSA key when allowEphemeral is true, and fails otherwise.
func LoadSigningKey(cfg config.ServiceTokenConfig, allowEphemeral bool) (*SigningKey, error) {
	var data []byte
	switch {
	case cfg.SigningKeyPEM != "":
		// Env files often carry PEM with escaped newlines.
		data = []byte(strings.ReplaceAll(cfg.SigningKeyPEM, `\n`, "\n"))
	case cfg.SigningKeyFile != "":
		b, err := os.ReadFile(cfg.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key file: %w", err)
		}
		data = b
	case allowEphemeral:
		priv, err := rsa.GenerateKey(rand.Reader, ephemeralKeyBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral signing key: %w", err)
		}
		return NewSigningKey(priv, cfg.KeyID)
	default:
		return nil, errors.New("no service token signing key configured")
	}

	priv, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return NewSigningKey(priv, cfg.KeyID)
}
