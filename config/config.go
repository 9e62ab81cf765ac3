package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/upb/tenant-auth/models"
)

// MaxServiceTokenLifetime bounds SERVICE_TOKEN_LIFETIME.
const MaxServiceTokenLifetime = time.Hour

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	OIDC           OIDCConfig
	ServiceToken   ServiceTokenConfig
	Redis          RedisConfig
	Observability  ObservabilityConfig
	RequestTimeout time.Duration `validate:"gt=0"`
	Environment    string        `validate:"required"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int `validate:"min=1,max=65535"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	Driver           string `validate:"oneof=postgres memory"`
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int           `validate:"gte=1"`
	MaxIdleConns     int           `validate:"gte=0"`
	ConnMaxLifetime  time.Duration `validate:"gte=0"`
	QueryTimeout     time.Duration `validate:"gt=0"`
}

// OIDCConfig holds inbound identity provider settings.
type OIDCConfig struct {
	IssuerURL string `validate:"omitempty,url"`
	// JWKSURL skips discovery for IssuerURL when set.
	JWKSURL      string   `validate:"omitempty,url"`
	ExtraIssuers []string `validate:"dive,url"`
	Audience     []string

	ClockSkew          time.Duration `validate:"gte=0"`
	KeySetTTL          time.Duration `validate:"gt=0"`
	MinRefreshInterval time.Duration `validate:"gte=0"`
	FetchTimeout       time.Duration `validate:"gt=0"`

	RolesClaim           string `validate:"required"`
	TenantClaim          string `validate:"required"`
	DefaultTenant        string
	AutoProvisionTenants bool
}

// ServiceTokenConfig holds settings for internally issued JWTs.
type ServiceTokenConfig struct {
	Issuer         string        `validate:"required"`
	Audience       string        `validate:"required"`
	Lifetime       time.Duration `validate:"gt=0"`
	SigningKeyPEM  string
	SigningKeyFile string
	KeyID          string
}

// RedisConfig holds the optional shared key-set cache. Empty Addr disables it.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int `validate:"gte=0"`
	KeyPrefix string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json text"` // json or text
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		OIDC: OIDCConfig{
			IssuerURL:            getEnv("OIDC_ISSUER_URL", ""),
			JWKSURL:              getEnv("OIDC_JWKS_URL", ""),
			ExtraIssuers:         getEnvAsSlice("OIDC_EXTRA_ISSUERS", nil),
			Audience:             getEnvAsSlice("OIDC_AUDIENCE", nil),
			ClockSkew:            getEnvAsDuration("OIDC_CLOCK_SKEW", 60*time.Second),
			KeySetTTL:            getEnvAsDuration("OIDC_KEYSET_TTL", 15*time.Minute),
			MinRefreshInterval:   getEnvAsDuration("OIDC_MIN_REFRESH_INTERVAL", 30*time.Second),
			FetchTimeout:         getEnvAsDuration("OIDC_FETCH_TIMEOUT", 3*time.Second),
			RolesClaim:           getEnv("OIDC_ROLES_CLAIM", "roles"),
			TenantClaim:          getEnv("OIDC_TENANT_CLAIM", "tenant_id"),
			DefaultTenant:        getEnv("OIDC_DEFAULT_TENANT", ""),
			AutoProvisionTenants: getEnvAsBool("AUTO_PROVISION_TENANTS", false),
		},
		ServiceToken: ServiceTokenConfig{
			Issuer:         getEnv("SERVICE_TOKEN_ISSUER", "tenant-auth"),
			Audience:       getEnv("SERVICE_TOKEN_AUDIENCE", "internal-services"),
			Lifetime:       getEnvAsDuration("SERVICE_TOKEN_LIFETIME", 5*time.Minute),
			SigningKeyPEM:  getEnv("SERVICE_TOKEN_SIGNING_KEY", ""),
			SigningKeyFile: getEnv("SERVICE_TOKEN_SIGNING_KEY_FILE", ""),
			KeyID:          getEnv("SERVICE_TOKEN_KEY_ID", ""),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "tenant-auth:jwks:"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

var structValidator = validator.New()

// Validate checks struct constraints and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}

	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.Driver == "postgres" {
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	}

	// Key fetches and statements must finish inside the request deadline.
	if c.OIDC.FetchTimeout >= c.RequestTimeout {
		return fmt.Errorf("OIDC_FETCH_TIMEOUT (%s) must be below REQUEST_TIMEOUT (%s)", c.OIDC.FetchTimeout, c.RequestTimeout)
	}
	if c.Database.QueryTimeout >= c.RequestTimeout {
		return fmt.Errorf("DB_QUERY_TIMEOUT (%s) must be below REQUEST_TIMEOUT (%s)", c.Database.QueryTimeout, c.RequestTimeout)
	}

	if c.ServiceToken.Lifetime > MaxServiceTokenLifetime {
		return fmt.Errorf("SERVICE_TOKEN_LIFETIME must not exceed %s", MaxServiceTokenLifetime)
	}
	if c.OIDC.JWKSURL != "" && c.OIDC.IssuerURL == "" {
		return fmt.Errorf("OIDC_JWKS_URL requires OIDC_ISSUER_URL")
	}
	if len(c.OIDC.DefaultTenant) > models.MaxTenantIDLength {
		return fmt.Errorf("OIDC_DEFAULT_TENANT must be at most %d characters", models.MaxTenantIDLength)
	}

	if c.IsProduction() {
		if c.OIDC.IssuerURL == "" {
			return fmt.Errorf("OIDC issuer URL is required in production")
		}
		if len(c.OIDC.Audience) == 0 {
			return fmt.Errorf("OIDC audience is required in production")
		}
		if c.ServiceToken.SigningKeyPEM == "" && c.ServiceToken.SigningKeyFile == "" {
			return fmt.Errorf("service token signing key is required in production")
		}
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("database driver %q is not allowed in production", c.Database.Driver)
		}
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// TrustedIssuers returns every issuer accepted by the token verifier.
func (c *OIDCConfig) TrustedIssuers() []string {
	var out []string
	if c.IssuerURL != "" {
		out = append(out, c.IssuerURL)
	}
	for _, iss := range c.ExtraIssuers {
		if iss != c.IssuerURL {
			out = append(out, iss)
		}
	}
	return out
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.Driver == "memory" {
		return "driver=memory"
	}
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// LoadDatabase loads only the database section, for tools that do not
// serve requests. Only Postgres is accepted.
func LoadDatabase() (DatabaseConfig, error) {
	_ = godotenv.Load(".env")

	cfg := loadDatabaseConfig()
	if err := structValidator.Struct(cfg); err != nil {
		return cfg, err
	}
	if cfg.Driver != "postgres" {
		return cfg, fmt.Errorf("database driver %q has no persistent schema", cfg.Driver)
	}
	return cfg, nil
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		Driver:          getEnv("DB_DRIVER", "postgres"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		QueryTimeout:    getEnvAsDuration("DB_QUERY_TIMEOUT", 2*time.Second),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "dev")
	cfg.Password = getEnv("DB_PASSWORD", "dev_password")
	cfg.Database = getEnv("DB_NAME", "tenant_auth")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma-separated value, dropping blanks.
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
