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

// OrganizationRepository provides data access for tenants.
type OrganizationRepository interface {
	// Create inserts a new organization, assigning an ID when none is set.
	Create(ctx context.Context, org *models.Organization) error

	// GetByID returns apperrors.ErrNotFound when the organization does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)

	// SetActive flips the active flag. Organizations are never deleted.
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type organizationRepository struct {
	q database.Querier
}

var _ OrganizationRepository = (*organizationRepository)(nil)

func (r *organizationRepository) Create(ctx context.Context, org *models.Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	if org.Plan == "" {
		org.Plan = models.PlanBasic
	}
	if !org.Plan.IsValid() {
		return fmt.Errorf("%w: unknown plan %q", apperrors.ErrInvalidInput, org.Plan)
	}
	now := time.Now()
	org.CreatedAt = now
	org.UpdatedAt = now

	query := `
		INSERT INTO organizations (id, name, logo, plan, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.q.Exec(ctx, query,
		org.ID,
		org.Name,
		org.Logo,
		string(org.Plan),
		org.IsActive,
		org.CreatedAt,
		org.UpdatedAt,
	)
	if err != nil {
		return storeError("failed to create organization", err)
	}
	return nil
}

func (r *organizationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	query := `
		SELECT id, name, logo, plan, is_active, created_at, updated_at
		FROM organizations
		WHERE id = $1`

	var org models.Organization
	var plan string
	err := r.q.QueryRow(ctx, query, id).Scan(
		&org.ID,
		&org.Name,
		&org.Logo,
		&plan,
		&org.IsActive,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		return nil, storeError("failed to get organization", err)
	}
	org.Plan = models.PlanTier(plan)
	return &org, nil
}

func (r *organizationRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE organizations SET is_active = $2, updated_at = $3 WHERE id = $1`,
		id, active, time.Now())
	if err != nil {
		return storeError("failed to update organization", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("organization %s: %w", id, apperrors.ErrNotFound)
	}
	return nil
}
