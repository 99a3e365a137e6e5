package tenantclient

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liushuangls/go-anthropic/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/ekaya-inc/ekaya-vault/pkg/models"
)

// GoogleOpenAIBaseURL is Gemini's OpenAI-compatible endpoint.
const GoogleOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// TenantClient is the cached, ready-to-use bundle for one organization: the
// datastore handle plus a client for every AI provider the tenant has a key
// for. Provider clients are nil when no key is stored.
type TenantClient struct {
	OrgID     uuid.UUID
	Datastore Handle

	// PublicKey is the tenant's client-side datastore key. It is safe to hand
	// to browsers; the admin key never leaves the Datastore pool.
	PublicKey string

	OpenAI    *openai.Client
	Anthropic *anthropic.Client
	Google    *openai.Client

	SelectedProvider models.AIProvider
	Model            string

	BuiltAt time.Time
}

// HasProvider reports whether a client exists for p.
func (c *TenantClient) HasProvider(p models.AIProvider) bool {
	switch p {
	case models.AIProviderOpenAI:
		return c.OpenAI != nil
	case models.AIProviderAnthropic:
		return c.Anthropic != nil
	case models.AIProviderGoogle:
		return c.Google != nil
	}
	return false
}

// Close releases the datastore handle.
func (c *TenantClient) Close() error {
	if c.Datastore == nil {
		return nil
	}
	return c.Datastore.Close()
}

// attachAIClients builds provider clients from decrypted keys.
func (c *TenantClient) attachAIClients(keys map[models.AIProvider]string) {
	for provider, key := range keys {
		switch provider {
		case models.AIProviderOpenAI:
			c.OpenAI = openai.NewClient(key)
		case models.AIProviderAnthropic:
			c.Anthropic = anthropic.NewClient(key)
		case models.AIProviderGoogle:
			cfg := openai.DefaultConfig(key)
			cfg.BaseURL = strings.TrimSuffix(GoogleOpenAIBaseURL, "/")
			c.Google = openai.NewClientWithConfig(cfg)
		}
	}
}
