package oidc

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// errUnknownKey is returned when the key set has no key for a kid,
	// even after a refresh (or when a refresh was rate limited).
	errUnknownKey = errors.New("no key for kid")

	// errKeySetUnavailable is returned when keys are needed and cannot be fetched.
	errKeySetUnavailable = errors.New("key set unavailable")
)

// maxJWKSBytes caps the size of a JWKS document read from an issuer.
const maxJWKSBytes = 1 << 20

// maxTriedKids bounds how many distinct unknown kids may each force a
// refresh within one MinRefreshInterval.
const maxTriedKids = 32

// keySnapshot is an immutable view of an issuer's signing keys.
type keySnapshot struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

// KeySetOptions configures a KeySet.
type KeySetOptions struct {
	// JWKSURL is fetched directly when set; otherwise it is discovered
	// from the issuer's openid-configuration document.
	JWKSURL            string
	TTL                time.Duration
	MinRefreshInterval time.Duration
	FetchTimeout       time.Duration
	HTTPClient         *http.Client
	Shared             SharedKeyCache
	Logger             *zap.Logger
	Now                func() time.Time
}

// KeySet holds the signing keys of one trusted issuer.
// Readers never block on a refresh once a snapshot exists, except when
// a token names a kid the snapshot does not know.
type KeySet struct {
	issuer             string
	ttl                time.Duration
	minRefreshInterval time.Duration
	fetchTimeout       time.Duration
	client             *http.Client
	shared             SharedKeyCache
	logger             *zap.Logger
	now                func() time.Time

	jwksURL      atomic.Pointer[string]
	snapshot     atomic.Pointer[keySnapshot]
	lastFetch    atomic.Int64
	bgRefreshing atomic.Bool
	group        singleflight.Group

	triedMu sync.Mutex
	tried   map[string]time.Time
}

// NewKeySet creates a key set for issuer. Nothing is fetched until the
// first call to Key.
func NewKeySet(issuer string, opts KeySetOptions) *KeySet {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 3 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.FetchTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ks := &KeySet{
		issuer:             issuer,
		ttl:                opts.TTL,
		minRefreshInterval: opts.MinRefreshInterval,
		fetchTimeout:       opts.FetchTimeout,
		client:             opts.HTTPClient,
		shared:             opts.Shared,
		logger:             opts.Logger.With(zap.String("issuer", issuer)),
		now:                opts.Now,
		tried:              make(map[string]time.Time),
	}
	if opts.JWKSURL != "" {
		u := opts.JWKSURL
		ks.jwksURL.Store(&u)
	}
	return ks
}

// Issuer returns the issuer this key set serves.
func (ks *KeySet) Issuer() string {
	return ks.issuer
}

// Key returns the public key for kid.
//
// On a cold start the caller waits for the first fetch. A snapshot older
// than the TTL is still served while a background refresh runs. An unknown
// kid forces a refresh. Within MinRefreshInterval of the last fetch only
// the first sighting of each kid does, so a key rotated in right after a
// fetch is still picked up.
func (ks *KeySet) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	snap := ks.snapshot.Load()
	if snap == nil {
		var err error
		snap, err = ks.refresh(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errKeySetUnavailable, err)
		}
	} else if ks.now().Sub(snap.fetchedAt) > ks.ttl {
		ks.refreshInBackground()
	}

	if key, ok := snap.keys[kid]; ok {
		return key, nil
	}

	if !ks.refreshAllowedFor(kid) {
		ks.logger.Debug("unknown kid, refresh rate limited", zap.String("kid", kid))
		return nil, errUnknownKey
	}

	snap, err := ks.refresh(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errKeySetUnavailable, err)
	}
	if key, ok := snap.keys[kid]; ok {
		return key, nil
	}
	return nil, errUnknownKey
}

// Refresh fetches the key set from the issuer now, bypassing the shared cache.
func (ks *KeySet) Refresh(ctx context.Context) error {
	_, err := ks.refresh(ctx, false)
	return err
}

func (ks *KeySet) forcedRefreshAllowed() bool {
	last := ks.lastFetch.Load()
	if last == 0 {
		return true
	}
	return ks.now().Sub(time.Unix(0, last)) >= ks.minRefreshInterval
}

// refreshAllowedFor reports whether an unknown kid may force a refresh and
// records the attempt.
func (ks *KeySet) refreshAllowedFor(kid string) bool {
	now := ks.now()
	globalAllowed := ks.forcedRefreshAllowed()

	ks.triedMu.Lock()
	defer ks.triedMu.Unlock()

	for k, at := range ks.tried {
		if now.Sub(at) >= ks.minRefreshInterval {
			delete(ks.tried, k)
		}
	}

	if _, seen := ks.tried[kid]; seen && !globalAllowed {
		return false
	}
	if !globalAllowed && len(ks.tried) >= maxTriedKids {
		return false
	}
	ks.tried[kid] = now
	return true
}

// refresh runs at most one fetch at a time. The fetch itself is detached
// from ctx so a caller giving up does not fail the fetch for everyone else
// waiting on it; the caller still stops waiting when its ctx ends.
func (ks *KeySet) refresh(ctx context.Context, useShared bool) (*keySnapshot, error) {
	ch := ks.group.DoChan("refresh", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ks.fetchTimeout)
		defer cancel()
		return ks.load(fetchCtx, useShared)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySnapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ks *KeySet) refreshInBackground() {
	if !ks.forcedRefreshAllowed() {
		return
	}
	if !ks.bgRefreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer ks.bgRefreshing.Store(false)
		if _, err := ks.refresh(context.Background(), false); err != nil {
			ks.logger.Warn("background key set refresh failed, serving cached keys", zap.Error(err))
		}
	}()
}

func (ks *KeySet) load(ctx context.Context, useShared bool) (*keySnapshot, error) {
	if useShared && ks.shared != nil {
		if snap := ks.loadShared(ctx); snap != nil {
			return snap, nil
		}
	}

	ks.lastFetch.Store(ks.now().UnixNano())

	doc, err := ks.fetch(ctx)
	if err != nil {
		ks.logger.Warn("failed to fetch key set", zap.Error(err))
		return nil, err
	}

	keys, err := parseKeySet(doc, ks.logger)
	if err != nil {
		ks.logger.Warn("failed to parse key set", zap.Error(err))
		return nil, err
	}

	snap := &keySnapshot{keys: keys, fetchedAt: ks.now()}
	ks.snapshot.Store(snap)
	ks.logger.Info("key set refreshed", zap.Int("keys", len(keys)))

	if ks.shared != nil {
		if err := ks.shared.Put(ctx, ks.issuer, doc, snap.fetchedAt); err != nil {
			ks.logger.Warn("failed to write shared key set cache", zap.Error(err))
		}
	}
	return snap, nil
}

// loadShared adopts a fresh document from the shared cache, keeping its
// original fetch time so TTL and refresh limits stay accurate.
func (ks *KeySet) loadShared(ctx context.Context) *keySnapshot {
	doc, fetchedAt, ok, err := ks.shared.Get(ctx, ks.issuer)
	if err != nil {
		ks.logger.Warn("failed to read shared key set cache", zap.Error(err))
		return nil
	}
	if !ok || ks.now().Sub(fetchedAt) > ks.ttl {
		return nil
	}

	keys, err := parseKeySet(doc, ks.logger)
	if err != nil || len(keys) == 0 {
		return nil
	}

	snap := &keySnapshot{keys: keys, fetchedAt: fetchedAt}
	ks.snapshot.Store(snap)
	ks.lastFetch.Store(fetchedAt.UnixNano())
	ks.logger.Debug("key set loaded from shared cache", zap.Int("keys", len(keys)))
	return snap
}

func (ks *KeySet) fetch(ctx context.Context) ([]byte, error) {
	jwksURL, err := ks.resolveJWKSURL(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ks.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS: %w", err)
	}
	return doc, nil
}

func (ks *KeySet) resolveJWKSURL(ctx context.Context) (string, error) {
	if u := ks.jwksURL.Load(); u != nil {
		return *u, nil
	}
	u, err := DiscoverJWKSURL(ctx, ks.client, ks.issuer)
	if err != nil {
		return "", err
	}
	ks.jwksURL.Store(&u)
	return u, nil
}

// parseKeySet decodes a JWKS document key by key. Keys that cannot verify
// signatures (encryption keys, private keys, unsupported types) are skipped
// instead of failing the whole set.
func parseKeySet(doc []byte, logger *zap.Logger) (map[string]crypto.PublicKey, error) {
	var raw struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(raw.Keys))
	for _, rawKey := range raw.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(rawKey); err != nil {
			logger.Debug("skipping undecodable key", zap.Error(err))
			continue
		}
		if jwk.KeyID == "" || (jwk.Use != "" && jwk.Use != "sig") || !jwk.IsPublic() || !jwk.Valid() {
			logger.Debug("skipping unusable key", zap.String("kid", jwk.KeyID), zap.String("use", jwk.Use))
			continue
		}
		switch key := jwk.Key.(type) {
		case *rsa.PublicKey:
			keys[jwk.KeyID] = key
		case *ecdsa.PublicKey:
			keys[jwk.KeyID] = key
		default:
			logger.Debug("skipping unsupported key type", zap.String("kid", jwk.KeyID))
		}
	}
	return keys, nil
}
