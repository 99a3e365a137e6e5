package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-vault/pkg/models"
	"github.com/ekaya-inc/ekaya-vault/pkg/services"
)

// Manifest describes one tenant. Secrets are never written in the manifest
// itself, only the names of the environment variables holding them.
type Manifest struct {
	Organization struct {
		Name string  `yaml:"name"`
		Logo *string `yaml:"logo"`
		Plan string  `yaml:"plan"`
	} `yaml:"organization"`

	DatastoreURL string `yaml:"datastore_url"`

	AI struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	} `yaml:"ai"`

	Secrets struct {
		AdminKeyEnv    string            `yaml:"admin_key_env"`
		PublicKeyEnv   string            `yaml:"public_key_env"`
		ProviderKeyEnv map[string]string `yaml:"provider_key_env"`
	} `yaml:"secrets"`

	Admin struct {
		Email      string  `yaml:"email"`
		FullName   *string `yaml:"full_name"`
		ExternalID string  `yaml:"external_id"`
	} `yaml:"admin"`
}

func readManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()
	return parseManifest(f)
}

func parseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// secrets reads every referenced variable. A referenced but unset or empty
// variable is an error so a typo never onboards a tenant without its key.
func (m *Manifest) secrets(lookup lookupFunc) (models.ConnectionSecrets, error) {
	var out models.ConnectionSecrets

	read := func(field, name string) (string, error) {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("%s: environment variable %s is not set", field, name)
		}
		return v, nil
	}

	if m.Secrets.AdminKeyEnv == "" {
		return out, fmt.Errorf("secrets.admin_key_env is required")
	}
	adminKey, err := read("admin key", m.Secrets.AdminKeyEnv)
	if err != nil {
		return out, err
	}
	out.AdminKey = adminKey

	if m.Secrets.PublicKeyEnv != "" {
		if out.PublicKey, err = read("public key", m.Secrets.PublicKeyEnv); err != nil {
			return out, err
		}
	}

	if len(m.Secrets.ProviderKeyEnv) > 0 {
		out.ProviderKeys = make(map[models.AIProvider]string, len(m.Secrets.ProviderKeyEnv))
		for provider, name := range m.Secrets.ProviderKeyEnv {
			key, err := read(provider+" key", name)
			if err != nil {
				return out, err
			}
			out.ProviderKeys[models.AIProvider(provider)] = key
		}
	}
	return out, nil
}

// request converts the manifest into an onboarding request. Field validation
// is left to the onboarding service.
func (m *Manifest) request(lookup lookupFunc) (*services.OnboardRequest, error) {
	secrets, err := m.secrets(lookup)
	if err != nil {
		return nil, err
	}
	return &services.OnboardRequest{
		OrganizationName: m.Organization.Name,
		Logo:             m.Organization.Logo,
		Plan:             models.PlanTier(m.Organization.Plan),
		DatastoreURL:     m.DatastoreURL,
		Secrets:          secrets,
		AIProvider:       models.AIProvider(m.AI.Provider),
		AIModel:          m.AI.Model,
		AdminEmail:       m.Admin.Email,
		AdminFullName:    m.Admin.FullName,
		AdminExternalID:  m.Admin.ExternalID,
	}, nil
}
