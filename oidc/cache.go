package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SharedKeyCache lets instances share a fetched JWKS document, so a fleet
// of cold starts does not hit the issuer once per instance.
type SharedKeyCache interface {
	// Get returns the cached document for issuer and when it was fetched.
	// ok is false when nothing is cached.
	Get(ctx context.Context, issuer string) (doc []byte, fetchedAt time.Time, ok bool, err error)
	// Put stores a freshly fetched document.
	Put(ctx context.Context, issuer string, doc []byte, fetchedAt time.Time) error
}

type cachedKeySet struct {
	FetchedAt time.Time       `json:"fetched_at"`
	JWKS      json.RawMessage `json:"jwks"`
}

// RedisKeySetCache is a SharedKeyCache backed by Redis.
type RedisKeySetCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisKeySetCache creates a cache whose entries expire after ttl.
func NewRedisKeySetCache(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisKeySetCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisKeySetCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *RedisKeySetCache) key(issuer string) string {
	return c.prefix + issuer
}

// Get implements SharedKeyCache.
func (c *RedisKeySetCache) Get(ctx context.Context, issuer string) ([]byte, time.Time, bool, error) {
	raw, err := c.client.Get(ctx, c.key(issuer)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("failed to read key set cache: %w", err)
	}

	var entry cachedKeySet
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("discarding corrupt key set cache entry", zap.String("issuer", issuer), zap.Error(err))
		return nil, time.Time{}, false, nil
	}
	return entry.JWKS, entry.FetchedAt, true, nil
}

// Put implements SharedKeyCache.
func (c *RedisKeySetCache) Put(ctx context.Context, issuer string, doc []byte, fetchedAt time.Time) error {
	if !json.Valid(doc) {
		return errors.New("key set document is not valid JSON")
	}
	raw, err := json.Marshal(cachedKeySet{FetchedAt: fetchedAt.UTC(), JWKS: doc})
	if err != nil {
		return fmt.Errorf("failed to encode key set cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(issuer), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write key set cache: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *RedisKeySetCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
