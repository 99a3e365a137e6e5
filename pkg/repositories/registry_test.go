package repositories

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-vault/pkg/crypto"
	"github.com/ekaya-inc/ekaya-vault/pkg/models"
)

func TestStoreError(t *testing.T) {
	err := storeError("failed to get user", pgx.ErrNoRows)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NotErrorIs(t, err, apperrors.ErrStore)

	err = storeError("failed to create user", &pgconn.PgError{Code: "23505"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	cause := errors.New("connection reset by peer")
	err = storeError("failed to append audit log entry", cause)
	assert.ErrorIs(t, err, apperrors.ErrStore)
	assert.ErrorIs(t, err, cause, "underlying cause must be preserved for logging")
}

func TestValidateConnection(t *testing.T) {
	c, err := crypto.NewCipher("M", crypto.WithIterations(1))
	require.NoError(t, err)
	blob, err := c.Encrypt("sk-admin-123")
	require.NoError(t, err)

	valid := func() *models.Connection {
		return &models.Connection{
			OrgID:        uuid.New(),
			DatastoreURL: "postgres://tenant.example.com/calls",
			AdminKey:     models.EncryptedSecret(blob),
			ProviderKeys: map[models.AIProvider]models.EncryptedSecret{
				models.AIProviderOpenAI: models.EncryptedSecret(blob),
			},
			AIProvider: models.AIProviderOpenAI,
		}
	}

	require.NoError(t, validateConnection(valid()))

	tests := []struct {
		name   string
		mutate func(*models.Connection)
	}{
		{"missing organization", func(c *models.Connection) { c.OrgID = uuid.Nil }},
		{"missing endpoint", func(c *models.Connection) { c.DatastoreURL = "" }},
		{"missing admin key", func(c *models.Connection) { c.AdminKey = "" }},
		{"plaintext admin key", func(c *models.Connection) { c.AdminKey = "sk-admin-123" }},
		{"plaintext provider key", func(c *models.Connection) {
			c.ProviderKeys[models.AIProviderGoogle] = "AIzaPlain"
		}},
		{"unknown provider key", func(c *models.Connection) {
			c.ProviderKeys["mistral"] = models.EncryptedSecret(blob)
		}},
		{"unknown selected provider", func(c *models.Connection) { c.AIProvider = "mistral" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := valid()
			tt.mutate(conn)
			err := validateConnection(conn)
			require.ErrorIs(t, err, apperrors.ErrInvalidInput)
			assert.NotContains(t, err.Error(), "sk-admin-123")
			assert.NotContains(t, err.Error(), "AIzaPlain")
		})
	}
}
