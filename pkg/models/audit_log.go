package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by the vault.
const (
	AuditActionOnboard          = "organization.onboard"
	AuditActionDeactivate       = "organization.deactivate"
	AuditActionConnectionTest   = "connection.test"
	AuditActionRotate           = "connection.rotate"
	AuditActionClientBuilt      = "connection.client_built"
	AuditActionCredentialFailed = "connection.credential_failure"
	AuditActionLogin            = "user.login"
	AuditActionAccess           = "tenant.access"
)

// Resource types referenced by audit entries.
const (
	AuditResourceOrganization = "organization"
	AuditResourceConnection   = "client_connection"
	AuditResourceUser         = "user"
)

// AuditLog is a write-once record in audit_logs. The table rejects updates
// and deletes.
type AuditLog struct {
	ID           uuid.UUID      `json:"id"`
	OrgID        uuid.UUID      `json:"organization_id"`
	UserID       *uuid.UUID     `json:"user_id,omitempty"` // nil for system actions
	Action       string         `json:"action"`
	ResourceType *string        `json:"resource_type,omitempty"`
	ResourceID   *string        `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    *string        `json:"ip_address,omitempty"`
	UserAgent    *string        `json:"user_agent,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AuditEvent is what callers hand to the audit logger. The logger turns it
// into an AuditLog row.
type AuditEvent struct {
	OrgID        uuid.UUID
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	IPAddress    string
	UserAgent    string
}
