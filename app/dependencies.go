package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/tenant-auth/config"
	"github.com/upb/tenant-auth/handlers"
	"github.com/upb/tenant-auth/middleware"
	"github.com/upb/tenant-auth/oidc"
	"github.com/upb/tenant-auth/repositories"
	"github.com/upb/tenant-auth/repositories/memory"
	"github.com/upb/tenant-auth/repositories/postgres"
	"github.com/upb/tenant-auth/services/audit"
	authsvc "github.com/upb/tenant-auth/services/auth"
	"github.com/upb/tenant-auth/services/principal"
	"github.com/upb/tenant-auth/services/token"
)

// auditStopTimeout bounds how long Close waits for queued audit events.
const auditStopTimeout = 5 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager
	Health    repositories.HealthChecker
	Schema    repositories.SchemaVerifier

	// Shared key-set cache, nil when REDIS_ADDR is empty
	Redis    *redis.Client
	KeyCache *oidc.RedisKeySetCache

	// Auth pipeline
	Verifier *oidc.Verifier
	Resolver *principal.Resolver
	Issuer   *token.Issuer
	Audit    *audit.AuditService
	Auth     *authsvc.Service

	// HTTP
	AuthMiddleware *middleware.AuthMiddleware
	AuthHandler    *handlers.AuthHandler
	HealthHandler  *handlers.HealthHandler
}

// NewDependencies creates and wires up all application dependencies.
// A schema mismatch is fatal: the service refuses to start.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initStore(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := deps.Schema.VerifySchema(ctx); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("schema verification failed: %w", err)
	}

	deps.initKeyCache(ctx, cfg)

	if err := deps.initAuth(cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	deps.HealthHandler = handlers.NewHealthHandler(deps.Health, deps.Schema, deps.cachePinger(), logger).
		WithAuditStats(deps.Audit)
	if deps.DB != nil {
		deps.HealthHandler.WithPoolStats(deps.DB)
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("trusted_issuers", cfg.OIDC.TrustedIssuers()),
		zap.Bool("key_cache", deps.KeyCache != nil))
	return deps, nil
}

// initStore opens the configured store and its repositories
func (d *Dependencies) initStore(cfg *config.Config) error {
	if cfg.Database.Driver == "memory" {
		store := memory.NewStore()
		d.Repos = store.Repositories()
		d.TxManager = store.TransactionManager()
		d.Health = store
		d.Schema = store
		d.Logger.Warn("using in-memory store, data is lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()
	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()
	d.Health = d.DB
	d.Schema = d.DB

	d.Logger.Info("repositories initialized")
	return nil
}

// initKeyCache connects the shared JWKS cache. An unreachable Redis is not
// fatal; key sets are then fetched per instance.
func (d *Dependencies) initKeyCache(ctx context.Context, cfg *config.Config) {
	if cfg.Redis.Addr == "" {
		return
	}

	d.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.KeyCache = oidc.NewRedisKeySetCache(d.Redis, cfg.Redis.KeyPrefix, cfg.OIDC.KeySetTTL, d.Logger)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OIDC.FetchTimeout)
	defer cancel()
	if err := d.KeyCache.Ping(pingCtx); err != nil {
		d.Logger.Warn("key cache unreachable, continuing without it",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
	}
}

// initAuth builds the verifier, resolver, issuer and the pipeline over them
func (d *Dependencies) initAuth(cfg *config.Config) error {
	opts := oidc.OptionsFromConfig(cfg.OIDC)
	opts.HTTPClient = &http.Client{Timeout: cfg.OIDC.FetchTimeout}
	opts.Logger = d.Logger
	if d.KeyCache != nil {
		opts.Shared = d.KeyCache
	}
	d.Verifier = oidc.NewVerifier(opts)
	if len(opts.Issuers) == 0 {
		d.Logger.Warn("no trusted issuers configured, every bearer token will be rejected")
	}

	d.Resolver = principal.NewResolver(d.Repos, d.TxManager, principal.Config{
		DefaultTenant:        cfg.OIDC.DefaultTenant,
		AutoProvisionTenants: cfg.OIDC.AutoProvisionTenants,
	}, d.Logger)

	key, err := token.LoadSigningKey(cfg.ServiceToken, !cfg.IsProduction())
	if err != nil {
		return fmt.Errorf("failed to load service token key: %w", err)
	}
	d.Issuer = token.NewIssuer(key, cfg.ServiceToken)
	d.Logger.Info("service token issuer ready",
		zap.String("kid", key.ID),
		zap.String("alg", key.Method.Alg()))

	d.Audit = audit.NewAuditService(d.Repos.AuditLogs, d.Logger, audit.DefaultConfig())
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}

	d.Auth = authsvc.NewService(d.Verifier, d.Resolver, d.Issuer, d.Audit, d.Logger)
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Auth, d.Issuer.Verifier(), d.Logger)
	d.AuthHandler = handlers.NewAuthHandler(d.Auth, d.Issuer, d.Logger)
	return nil
}

// cachePinger returns the key cache for the readiness check, or nil.
func (d *Dependencies) cachePinger() handlers.CachePinger {
	if d.KeyCache == nil {
		return nil
	}
	return d.KeyCache
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Audit != nil {
		if err := d.Audit.Stop(auditStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
