package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-vault/pkg/crypto"
	"github.com/ekaya-inc/ekaya-vault/pkg/database"
	"github.com/ekaya-inc/ekaya-vault/pkg/models"
)

// ConnectionRepository provides data access for tenant connections.
// Secret columns are stored and returned as ciphertext; decryption happens
// only in the client factory.
type ConnectionRepository interface {
	// GetByOrgID returns apperrors.ErrNotFound when the organization has no connection.
	GetByOrgID(ctx context.Context, orgID uuid.UUID) (*models.Connection, error)

	// Upsert inserts the connection or replaces the existing one for the
	// organization, bumping updated_at. Values that are not structurally valid
	// cipher blobs are rejected with apperrors.ErrInvalidInput.
	Upsert(ctx context.Context, conn *models.Connection) error

	// RecordTest stamps last_connection_test.
	RecordTest(ctx context.Context, orgID uuid.UUID, testedAt time.Time) error
}

type connectionRepository struct {
	q database.Querier
}

var _ ConnectionRepository = (*connectionRepository)(nil)

const connectionColumns = `id, organization_id, datastore_url, admin_key_encrypted, public_key_encrypted,
		ai_provider_keys, ai_provider, ai_model, connection_status, last_connection_test,
		created_at, updated_at`

func (r *connectionRepository) GetByOrgID(ctx context.Context, orgID uuid.UUID) (*models.Connection, error) {
	query := `SELECT ` + connectionColumns + `
		FROM client_connections
		WHERE organization_id = $1`

	var (
		conn         models.Connection
		adminKey     string
		publicKey    *string
		providerKeys []byte
		provider     *string
		model        *string
		status       string
	)
	err := r.q.QueryRow(ctx, query, orgID).Scan(
		&conn.ID,
		&conn.OrgID,
		&conn.DatastoreURL,
		&adminKey,
		&publicKey,
		&providerKeys,
		&provider,
		&model,
		&status,
		&conn.LastTestedAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, storeError("failed to get connection", err)
	}

	conn.AdminKey = models.EncryptedSecret(adminKey)
	if publicKey != nil {
		conn.PublicKey = models.EncryptedSecret(*publicKey)
	}
	if provider != nil {
		conn.AIProvider = models.AIProvider(*provider)
	}
	if model != nil {
		conn.AIModel = *model
	}
	conn.Status = models.ConnectionStatus(status)

	if len(providerKeys) > 0 {
		if err := json.Unmarshal(providerKeys, &conn.ProviderKeys); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ai_provider_keys: %w: %w", apperrors.ErrStore, err)
		}
	}

	return &conn, nil
}

func (r *connectionRepository) Upsert(ctx context.Context, conn *models.Connection) error {
	if err := validateConnection(conn); err != nil {
		return err
	}
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	if conn.Status == "" {
		conn.Status = models.ConnectionStatusActive
	}
	now := time.Now()

	providerKeys, err := json.Marshal(providerKeysOrEmpty(conn.ProviderKeys))
	if err != nil {
		return fmt.Errorf("failed to marshal ai_provider_keys: %w", err)
	}

	query := `
		INSERT INTO client_connections (
			id, organization_id, datastore_url, admin_key_encrypted, public_key_encrypted,
			ai_provider_keys, ai_provider, ai_model, connection_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $10)
		ON CONFLICT (organization_id) DO UPDATE SET
			datastore_url        = EXCLUDED.datastore_url,
			admin_key_encrypted  = EXCLUDED.admin_key_encrypted,
			public_key_encrypted = EXCLUDED.public_key_encrypted,
			ai_provider_keys     = EXCLUDED.ai_provider_keys,
			ai_provider          = EXCLUDED.ai_provider,
			ai_model             = EXCLUDED.ai_model,
			connection_status    = EXCLUDED.connection_status,
			updated_at           = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`

	err = r.q.QueryRow(ctx, query,
		conn.ID,
		conn.OrgID,
		conn.DatastoreURL,
		string(conn.AdminKey),
		nullableString(string(conn.PublicKey)),
		string(providerKeys),
		nullableString(string(conn.AIProvider)),
		nullableString(conn.AIModel),
		string(conn.Status),
		now,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return storeError("failed to upsert connection", err)
	}
	return nil
}

func (r *connectionRepository) RecordTest(ctx context.Context, orgID uuid.UUID, testedAt time.Time) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE client_connections SET last_connection_test = $2 WHERE organization_id = $1`,
		orgID, testedAt)
	if err != nil {
		return storeError("failed to record connection test", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("connection for organization %s: %w", orgID, apperrors.ErrNotFound)
	}
	return nil
}

func validateConnection(conn *models.Connection) error {
	if conn.OrgID == uuid.Nil {
		return fmt.Errorf("%w: connection has no organization", apperrors.ErrInvalidInput)
	}
	if conn.DatastoreURL == "" {
		return fmt.Errorf("%w: connection has no datastore url", apperrors.ErrInvalidInput)
	}
	for field, secret := range conn.Secrets() {
		// Field names only; the value itself is never echoed.
		if !crypto.IsValidEncrypted(string(secret)) {
			return fmt.Errorf("%w: %s is not an encrypted value", apperrors.ErrInvalidInput, field)
		}
	}
	for p := range conn.ProviderKeys {
		if !p.IsValid() {
			return fmt.Errorf("%w: unknown ai provider %q", apperrors.ErrInvalidInput, p)
		}
	}
	if conn.AIProvider != "" && !conn.AIProvider.IsValid() {
		return fmt.Errorf("%w: unknown ai provider %q", apperrors.ErrInvalidInput, conn.AIProvider)
	}
	return nil
}

func providerKeysOrEmpty(keys map[models.AIProvider]models.EncryptedSecret) map[models.AIProvider]models.EncryptedSecret {
	if keys == nil {
		return map[models.AIProvider]models.EncryptedSecret{}
	}
	return keys
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
