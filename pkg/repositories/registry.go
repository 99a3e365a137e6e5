package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-vault/pkg/database"
)

// RegistryStore is the system of record for tenants. Every query is scoped by
// an id the caller has already resolved; there is no cross-tenant listing.
type RegistryStore interface {
	Organizations() OrganizationRepository
	Connections() ConnectionRepository
	Users() UserRepository
	AuditLogs() AuditRepository

	// InTx runs fn against a store bound to one transaction. The transaction
	// commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(RegistryStore) error) error
}

// Pool is what the registry needs from the database: *database.DB and
// *pgxpool.Pool both satisfy it.
type Pool interface {
	database.Querier
	database.TxBeginner
}

type registryStore struct {
	pool Pool
	q    database.Querier
}

// NewRegistryStore creates a RegistryStore backed by pool.
func NewRegistryStore(pool Pool) RegistryStore {
	return &registryStore{pool: pool, q: pool}
}

var _ RegistryStore = (*registryStore)(nil)

func (s *registryStore) Organizations() OrganizationRepository {
	return &organizationRepository{q: s.q}
}

func (s *registryStore) Connections() ConnectionRepository {
	return &connectionRepository{q: s.q}
}

func (s *registryStore) Users() UserRepository {
	return &userRepository{q: s.q}
}

func (s *registryStore) AuditLogs() AuditRepository {
	return &auditRepository{q: s.q}
}

func (s *registryStore) InTx(ctx context.Context, fn func(RegistryStore) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(&registryStore{pool: s.pool, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return storeError("failed to commit transaction", err)
	}
	return nil
}

// storeError classifies a driver error. Only ciphertext is ever bound as a
// query argument, so driver messages cannot carry plaintext secrets.
func storeError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, apperrors.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, apperrors.ErrConflict)
	}
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrStore, err)
}
