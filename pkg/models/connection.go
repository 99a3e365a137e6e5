package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EncryptedSecret is a base64 cipher blob. It is never plaintext; only the
// client factory turns one back into a usable secret.
type EncryptedSecret string

// IsZero reports whether the secret is absent.
func (s EncryptedSecret) IsZero() bool { return s == "" }

// AIProvider identifies a third-party AI API whose key a tenant may store.
// Adding a provider means adding a constant here and to AllAIProviders.
type AIProvider string

const (
	AIProviderOpenAI    AIProvider = "openai"
	AIProviderAnthropic AIProvider = "anthropic"
	AIProviderGoogle    AIProvider = "google"
)

// AllAIProviders lists every supported provider.
var AllAIProviders = []AIProvider{AIProviderOpenAI, AIProviderAnthropic, AIProviderGoogle}

// IsValid reports whether p is a supported provider.
func (p AIProvider) IsValid() bool {
	for _, known := range AllAIProviders {
		if p == known {
			return true
		}
	}
	return false
}

// ConnectionStatus is the provisioning state of a tenant's backing store.
type ConnectionStatus string

const (
	ConnectionStatusActive   ConnectionStatus = "active"
	ConnectionStatusInactive ConnectionStatus = "inactive"
	ConnectionStatusError    ConnectionStatus = "error"
)

// Connection is the tenant's backing-store record in client_connections.
// Every secret field is ciphertext.
type Connection struct {
	ID           uuid.UUID                      `json:"id"`
	OrgID        uuid.UUID                      `json:"organization_id"`
	DatastoreURL string                         `json:"datastore_url"`
	AdminKey     EncryptedSecret                `json:"admin_key_encrypted"`
	PublicKey    EncryptedSecret                `json:"public_key_encrypted,omitempty"`
	ProviderKeys map[AIProvider]EncryptedSecret `json:"ai_provider_keys,omitempty"`
	AIProvider   AIProvider                     `json:"ai_provider,omitempty"`
	AIModel      string                         `json:"ai_model,omitempty"`
	Status       ConnectionStatus               `json:"connection_status"`
	LastTestedAt *time.Time                     `json:"last_connection_test,omitempty"`
	CreatedAt    time.Time                      `json:"created_at"`
	UpdatedAt    time.Time                      `json:"updated_at"`
}

// Secrets returns every stored ciphertext keyed by a field label, for
// structural checks before a write.
func (c *Connection) Secrets() map[string]EncryptedSecret {
	out := map[string]EncryptedSecret{"admin_key": c.AdminKey}
	if !c.PublicKey.IsZero() {
		out["public_key"] = c.PublicKey
	}
	for p, v := range c.ProviderKeys {
		out["ai_key."+string(p)] = v
	}
	return out
}

// ConnectionSecrets carries plaintext secrets into encryption. It prints and
// marshals as redacted so it cannot end up in a log line or a response body.
type ConnectionSecrets struct {
	AdminKey     string
	PublicKey    string
	ProviderKeys map[AIProvider]string
}

const redacted = "[REDACTED]"

func (s ConnectionSecrets) String() string {
	return fmt.Sprintf("ConnectionSecrets{AdminKey:%s PublicKey:%s ProviderKeys:%d}",
		mask(s.AdminKey), mask(s.PublicKey), len(s.ProviderKeys))
}

func (s ConnectionSecrets) GoString() string { return s.String() }

func (s ConnectionSecrets) MarshalJSON() ([]byte, error) {
	providers := make(map[AIProvider]string, len(s.ProviderKeys))
	for p, v := range s.ProviderKeys {
		providers[p] = mask(v)
	}
	return json.Marshal(struct {
		AdminKey     string                `json:"admin_key"`
		PublicKey    string                `json:"public_key,omitempty"`
		ProviderKeys map[AIProvider]string `json:"ai_provider_keys,omitempty"`
	}{mask(s.AdminKey), mask(s.PublicKey), providers})
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return redacted
}
