package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-vault/pkg/database"
	"github.com/ekaya-inc/ekaya-vault/pkg/models"
)

// AuditRepository is append-only: there is deliberately no update or delete.
type AuditRepository interface {
	// Append inserts a new audit log entry.
	Append(ctx context.Context, entry *models.AuditLog) error

	// ListByOrg returns the newest entries for an organization first.
	ListByOrg(ctx context.Context, orgID uuid.UUID, limit int) ([]*models.AuditLog, error)
}

type auditRepository struct {
	q database.Querier
}

var _ AuditRepository = (*auditRepository)(nil)

func (r *auditRepository) Append(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	query := `
		INSERT INTO audit_logs (
			id, organization_id, user_id, action, resource_type, resource_id, details, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)`

	_, err = r.q.Exec(ctx, query,
		entry.ID,
		entry.OrgID,
		entry.UserID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		string(detailsJSON),
		entry.IPAddress,
		entry.UserAgent,
		entry.CreatedAt,
	)
	if err != nil {
		return storeError("failed to append audit log entry", err)
	}
	return nil
}

func (r *auditRepository) ListByOrg(ctx context.Context, orgID uuid.UUID, limit int) ([]*models.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, organization_id, user_id, action, resource_type, resource_id, details, ip_address, user_agent, created_at
		FROM audit_logs
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.q.Query(ctx, query, orgID, limit)
	if err != nil {
		return nil, storeError("failed to query audit log", err)
	}
	defer rows.Close()

	var entries []*models.AuditLog
	for rows.Next() {
		entry, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, storeError("error iterating audit log entries", err)
	}

	return entries, nil
}

func scanAuditLog(row pgx.Row) (*models.AuditLog, error) {
	var entry models.AuditLog
	var details []byte

	err := row.Scan(
		&entry.ID,
		&entry.OrgID,
		&entry.UserID,
		&entry.Action,
		&entry.ResourceType,
		&entry.ResourceID,
		&details,
		&entry.IPAddress,
		&entry.UserAgent,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, storeError("failed to scan audit log entry", err)
	}

	if len(details) > 0 {
		if err := json.Unmarshal(details, &entry.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal details: %w: %w", apperrors.ErrStore, err)
		}
	}

	return &entry, nil
}
