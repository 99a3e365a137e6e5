package models

import (
	"time"

	"github.com/google/uuid"
)

// User links an auth-provider subject to exactly one organization.
type User struct {
	ID         uuid.UUID  `json:"id"`
	OrgID      uuid.UUID  `json:"organization_id"`
	Email      string     `json:"email"`
	FullName   *string    `json:"full_name,omitempty"`
	Role       string     `json:"role"`        // 'admin', 'manager', 'user', 'viewer'
	ExternalID string     `json:"external_id"` // subject id issued by the auth provider
	IsActive   bool       `json:"is_active"`
	LastLogin  *time.Time `json:"last_login,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Role constants for users within an organization.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
	RoleViewer  = "viewer"
)

// ValidRoles contains all valid role values.
var ValidRoles = []string{RoleAdmin, RoleManager, RoleUser, RoleViewer}

// IsValidRole checks if the given role is valid.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the user holds one of roles.
func (u *User) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if u.Role == r {
			return true
		}
	}
	return false
}
