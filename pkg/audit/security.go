// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-vault/pkg/logging"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventIntegrityFailure is logged when a stored secret fails authentication:
	// tampered ciphertext, corrupted storage or the wrong master key.
	EventIntegrityFailure SecurityEventType = "secret_integrity_failure"
	// EventAccessDenied is logged when tenant resolution rejects a principal.
	EventAccessDenied SecurityEventType = "tenant_access_denied"
	// EventCredentialRotation is logged when a tenant's secrets are replaced.
	EventCredentialRotation SecurityEventType = "credential_rotation"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	OrgID     uuid.UUID         `json:"organization_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SecurityAuditor logs security events for SIEM consumption.
// Events never carry secret values, only field names and sanitized errors.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogIntegrityFailure records a secret that could not be decrypted. Logged at
// ERROR with "critical" severity: it means tampering, corruption or a
// misconfigured master key, and nothing will fall back to plaintext.
func (a *SecurityAuditor) LogIntegrityFailure(ctx context.Context, orgID uuid.UUID, field string, err error) {
	userID, clientIP := actorFields(ctx)
	reason := logging.SanitizeError(err)

	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventIntegrityFailure,
		OrgID:     orgID,
		UserID:    userID,
		ClientIP:  clientIP,
		Details: map[string]string{
			"field":  field,
			"reason": reason,
		},
		Severity: "critical",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("Stored secret failed integrity check",
		zap.String("event_json", string(eventJSON)),
		zap.String("organization_id", orgID.String()),
		zap.String("field", field),
		zap.String("error", reason),
		zap.String("severity", "critical"),
	)
}

// LogAccessDenied records a failed tenant resolution. The stage is recorded
// here for operators; callers must only ever show "access unavailable".
func (a *SecurityAuditor) LogAccessDenied(ctx context.Context, externalUserID, stage string, err error) {
	_, clientIP := actorFields(ctx)
	reason := logging.SanitizeError(err)

	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventAccessDenied,
		UserID:    externalUserID,
		ClientIP:  clientIP,
		Details: map[string]string{
			"stage":  stage,
			"reason": reason,
		},
		Severity: "warning",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Tenant access denied",
		zap.String("event_json", string(eventJSON)),
		zap.String("external_user_id", externalUserID),
		zap.String("stage", stage),
		zap.String("error", reason),
		zap.String("severity", "warning"),
	)
}

// LogCredentialRotation records which secret fields of a tenant were replaced.
func (a *SecurityAuditor) LogCredentialRotation(ctx context.Context, orgID uuid.UUID, fields []string) {
	userID, clientIP := actorFields(ctx)

	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventCredentialRotation,
		OrgID:     orgID,
		UserID:    userID,
		ClientIP:  clientIP,
		Details: map[string]any{
			"fields": fields,
		},
		Severity: "info",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Info("Tenant credentials rotated",
		zap.String("event_json", string(eventJSON)),
		zap.String("organization_id", orgID.String()),
		zap.Strings("fields", fields),
		zap.String("user_id", userID),
		zap.String("severity", "info"),
	)
}

func actorFields(ctx context.Context) (userID, clientIP string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return "", ""
	}
	userID = actor.ExternalID
	if actor.UserID != nil {
		userID = actor.UserID.String()
	}
	return userID, actor.ClientIP
}
