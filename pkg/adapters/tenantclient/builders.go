package tenantclient

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
)

const (
	DefaultPoolMaxConns    = 10
	DefaultPoolIdleTimeout = 5 * time.Minute
)

// HandleBuilder opens a Handle from a tenant endpoint and its decrypted admin
// key. The key must not outlive the call except inside the driver's pool.
type HandleBuilder interface {
	Build(ctx context.Context, endpoint, adminKey string) (Handle, error)
}

// HandleBuilderFunc adapts a function to HandleBuilder.
type HandleBuilderFunc func(ctx context.Context, endpoint, adminKey string) (Handle, error)

func (f HandleBuilderFunc) Build(ctx context.Context, endpoint, adminKey string) (Handle, error) {
	return f(ctx, endpoint, adminKey)
}

// PoolConfig sizes the per-tenant driver pools.
type PoolConfig struct {
	MaxConns    int32
	MinConns    int32
	IdleTimeout time.Duration
}

// DriverBuilder picks a driver from the endpoint scheme:
// postgres:// and postgresql:// use pgx, sqlserver:// uses go-mssqldb.
// The admin key is injected as the connection password.
type DriverBuilder struct {
	cfg PoolConfig
}

// NewDriverBuilder applies defaults to cfg.
func NewDriverBuilder(cfg PoolConfig) *DriverBuilder {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultPoolMaxConns
	}
	if cfg.MinConns < 0 || cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultPoolIdleTimeout
	}
	return &DriverBuilder{cfg: cfg}
}

var _ HandleBuilder = (*DriverBuilder)(nil)

func (b *DriverBuilder) Build(ctx context.Context, endpoint, adminKey string) (Handle, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		// url errors echo the input, which may carry credentials.
		return nil, fmt.Errorf("%w: datastore endpoint is not a valid URL", apperrors.ErrInvalidInput)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return b.buildPostgres(ctx, endpoint, adminKey)
	case "sqlserver":
		return b.buildMSSQL(ctx, u, adminKey)
	default:
		return nil, fmt.Errorf("%w: unsupported datastore scheme %q", apperrors.ErrInvalidInput, u.Scheme)
	}
}

func (b *DriverBuilder) buildPostgres(ctx context.Context, endpoint, adminKey string) (Handle, error) {
	poolConfig, err := pgxpool.ParseConfig(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse postgres endpoint", apperrors.ErrInvalidInput)
	}
	poolConfig.ConnConfig.Password = adminKey
	poolConfig.MaxConns = b.cfg.MaxConns
	poolConfig.MinConns = b.cfg.MinConns
	poolConfig.MaxConnIdleTime = b.cfg.IdleTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach tenant datastore: %w", err)
	}
	return NewPostgresHandle(pool), nil
}

func (b *DriverBuilder) buildMSSQL(ctx context.Context, u *url.URL, adminKey string) (Handle, error) {
	user := "sa"
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	withKey := *u
	withKey.User = url.UserPassword(user, adminKey)

	db, err := sql.Open("sqlserver", withKey.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant database: %w", err)
	}
	db.SetMaxOpenConns(int(b.cfg.MaxConns))
	db.SetMaxIdleConns(int(b.cfg.MinConns))
	db.SetConnMaxIdleTime(b.cfg.IdleTimeout)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach tenant datastore: %w", err)
	}
	return NewMSSQLHandle(db), nil
}
