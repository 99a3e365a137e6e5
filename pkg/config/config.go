package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
)

// Config holds all configuration for ekaya-vault.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Ops server (health and metrics)
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Registry database (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Optional Redis used to fan cache invalidations out to other replicas
	Redis RedisConfig `yaml:"redis"`

	ClientFactory ClientFactoryConfig `yaml:"client_factory"`
	Audit         AuditConfig         `yaml:"audit"`

	// MasterEncryptionKey protects every tenant secret in the registry.
	// Generate with: go run ./scripts/generate-key
	// The server refuses to start without it.
	MasterEncryptionKey string `yaml:"-" env:"MASTER_ENCRYPTION_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds registry database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_vault"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds connection settings for the invalidation bus.
// Leave both URL and Host empty to run without Redis.
type RedisConfig struct {
	URL      string `yaml:"-" env:"REDIS_URL"` // May embed a password
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Channel  string `yaml:"channel" env:"REDIS_INVALIDATION_CHANNEL" env-default:"ekaya-vault:client-invalidation"`
}

// Enabled reports whether Redis is configured.
func (c *RedisConfig) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

// ClientFactoryConfig tunes per-tenant handle construction.
type ClientFactoryConfig struct {
	// BuildTimeout bounds one decrypt + connect. It is independent of the
	// caller's deadline so a cancelled request cannot abort a shared build.
	BuildTimeout time.Duration `yaml:"build_timeout" env:"CLIENT_BUILD_TIMEOUT" env-default:"15s"`
	// ProbeTimeout bounds the round trip performed by TestConnection.
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"CLIENT_PROBE_TIMEOUT" env-default:"5s"`
	// PoolMaxConns is the maximum number of connections per tenant pool.
	PoolMaxConns int32 `yaml:"pool_max_conns" env:"CLIENT_POOL_MAX_CONNS" env-default:"10"`
	// PoolMinConns is the minimum number of connections per tenant pool.
	PoolMinConns int32 `yaml:"pool_min_conns" env:"CLIENT_POOL_MIN_CONNS" env-default:"0"`
}

// AuditConfig tunes the asynchronous audit writer.
type AuditConfig struct {
	// QueueSize of 0 makes audit writes synchronous (still never failing the caller).
	QueueSize int `yaml:"queue_size" env:"AUDIT_QUEUE_SIZE" env-default:"1024"`
	Workers   int `yaml:"workers" env:"AUDIT_WORKERS" env-default:"2"`
}

// Load reads configuration from config.yaml, when present, with environment
// variable overrides. Without a config file everything comes from the
// environment. The version parameter is set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	_, statErr := os.Stat("config.yaml")
	switch {
	case statErr == nil:
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	case errors.Is(statErr, os.ErrNotExist):
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to stat config.yaml: %w", statErr)
	}

	return cfg, nil
}

// Validate reports missing secrets and nonsensical tuning. Every failure
// wraps apperrors.ErrConfiguration so callers can refuse to start.
func (c *Config) Validate() error {
	if c.MasterEncryptionKey == "" {
		return fmt.Errorf("%w: MASTER_ENCRYPTION_KEY is not set", apperrors.ErrConfiguration)
	}
	if c.Database.Password == "" {
		return fmt.Errorf("%w: PGPASSWORD is not set", apperrors.ErrConfiguration)
	}
	if c.Database.Host == "" || c.Database.Database == "" {
		return fmt.Errorf("%w: registry database host and name are required", apperrors.ErrConfiguration)
	}
	if c.ClientFactory.BuildTimeout <= 0 {
		return fmt.Errorf("%w: client_factory.build_timeout must be positive", apperrors.ErrConfiguration)
	}
	if c.Audit.QueueSize < 0 {
		return fmt.Errorf("%w: audit.queue_size must not be negative", apperrors.ErrConfiguration)
	}
	if c.Audit.QueueSize > 0 && c.Audit.Workers < 1 {
		return fmt.Errorf("%w: audit.workers must be at least 1 when the queue is enabled", apperrors.ErrConfiguration)
	}
	return nil
}

// ConnectionString returns the registry database URL. The password is
// escaped, so never log the result without logging.SanitizeConnectionString.
func (c *DatabaseConfig) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}
