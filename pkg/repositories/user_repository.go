package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-vault/pkg/database"
	"github.com/ekaya-inc/ekaya-vault/pkg/models"
)

// UserRepository provides data access for principals.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error

	// GetByExternalID looks a user up by auth-provider subject.
	GetByExternalID(ctx context.Context, externalID string) (*models.User, error)

	UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error
}

type userRepository struct {
	q database.Querier
}

var _ UserRepository = (*userRepository)(nil)

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	if user.ExternalID == "" {
		return fmt.Errorf("%w: user has no external id", apperrors.ErrInvalidInput)
	}
	if !models.IsValidRole(user.Role) {
		return fmt.Errorf("%w: invalid role %q", apperrors.ErrInvalidInput, user.Role)
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, organization_id, email, full_name, role, external_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.q.Exec(ctx, query,
		user.ID,
		user.OrgID,
		user.Email,
		user.FullName,
		user.Role,
		user.ExternalID,
		user.IsActive,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return storeError("failed to create user", err)
	}
	return nil
}

func (r *userRepository) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	query := `
		SELECT id, organization_id, email, full_name, role, external_id, is_active, last_login, created_at, updated_at
		FROM users
		WHERE external_id = $1`

	var u models.User
	err := r.q.QueryRow(ctx, query, externalID).Scan(
		&u.ID,
		&u.OrgID,
		&u.Email,
		&u.FullName,
		&u.Role,
		&u.ExternalID,
		&u.IsActive,
		&u.LastLogin,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, storeError("failed to get user", err)
	}
	return &u, nil
}

func (r *userRepository) UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE users SET last_login = $2, updated_at = $2 WHERE id = $1`,
		userID, at)
	if err != nil {
		return storeError("failed to update last login", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, apperrors.ErrNotFound)
	}
	return nil
}
