package models

import (
	"time"

	"github.com/google/uuid"
)

// PlanTier is the billing plan of an organization.
type PlanTier string

const (
	PlanBasic        PlanTier = "basic"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
)

// IsValid reports whether p is a known plan tier.
func (p PlanTier) IsValid() bool {
	switch p {
	case PlanBasic, PlanProfessional, PlanEnterprise:
		return true
	}
	return false
}

// Organization is a tenant. Organizations are deactivated, never deleted, so
// their audit trail stays intact.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Logo      *string   `json:"logo,omitempty"`
	Plan      PlanTier  `json:"plan"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
