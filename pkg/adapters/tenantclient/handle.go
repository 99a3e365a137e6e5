package tenantclient

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Handle is a live connection to one tenant's backing datastore.
// Implementations wrap a driver pool; Close releases every connection.
type Handle interface {
	// Probe performs one trivial round trip.
	Probe(ctx context.Context) error

	Close() error

	// Type returns the datastore type for logging and stats.
	Type() string
}

// PostgresHandle wraps *pgxpool.Pool.
type PostgresHandle struct {
	pool *pgxpool.Pool
}

// NewPostgresHandle wraps an open pool.
func NewPostgresHandle(pool *pgxpool.Pool) *PostgresHandle {
	return &PostgresHandle{pool: pool}
}

func (h *PostgresHandle) Probe(ctx context.Context) error {
	var one int
	return h.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Close blocks until every acquired connection has been released.
func (h *PostgresHandle) Close() error {
	h.pool.Close()
	return nil
}

func (h *PostgresHandle) Type() string {
	return "postgres"
}

// Pool returns the underlying pool for tenant data access.
func (h *PostgresHandle) Pool() *pgxpool.Pool {
	return h.pool
}

// MSSQLHandle wraps a SQL Server *sql.DB.
type MSSQLHandle struct {
	db *sql.DB
}

// NewMSSQLHandle wraps an open database.
func NewMSSQLHandle(db *sql.DB) *MSSQLHandle {
	return &MSSQLHandle{db: db}
}

func (h *MSSQLHandle) Probe(ctx context.Context) error {
	var one int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (h *MSSQLHandle) Close() error {
	return h.db.Close()
}

func (h *MSSQLHandle) Type() string {
	return "mssql"
}

// DB returns the underlying *sql.DB for tenant data access.
func (h *MSSQLHandle) DB() *sql.DB {
	return h.db
}
