package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-vault/pkg/audit"
	"github.com/ekaya-inc/ekaya-vault/pkg/models"
	"github.com/ekaya-inc/ekaya-vault/pkg/repositories"
)

// Encrypter seals plaintext secrets. *crypto.Cipher satisfies it.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Invalidator drops a cached tenant client. *tenantclient.ClientFactory and
// *tenantclient.BroadcastInvalidator satisfy it.
type Invalidator interface {
	Invalidate(orgID uuid.UUID)
}

// OnboardRequest describes a new tenant.
type OnboardRequest struct {
	OrganizationName string
	Logo             *string
	Plan             models.PlanTier

	DatastoreURL string
	Secrets      models.ConnectionSecrets
	AIProvider   models.AIProvider
	AIModel      string

	AdminEmail      string
	AdminFullName   *string
	AdminExternalID string
}

// OnboardResult is what Onboard stored.
type OnboardResult struct {
	Organization *models.Organization
	Connection   *models.Connection
	Admin        *models.User
}

// OnboardingService provisions tenants and replaces their secrets.
type OnboardingService interface {
	// Onboard creates the organization, its encrypted connection and its
	// first admin in one registry transaction.
	Onboard(ctx context.Context, req *OnboardRequest) (*OnboardResult, error)

	// RotateCredentials re-encrypts and stores a full replacement set of
	// secrets, then invalidates the cached client. The write has committed
	// before invalidation, so the next lookup reads the new secrets.
	RotateCredentials(ctx context.Context, orgID uuid.UUID, secrets models.ConnectionSecrets) error

	// DeactivateOrganization flags the organization inactive and drops its
	// cached client. Nothing is deleted.
	DeactivateOrganization(ctx context.Context, orgID uuid.UUID) error
}

type onboardingService struct {
	store       repositories.RegistryStore
	encrypter   Encrypter
	invalidator Invalidator
	auditor     AuditRecorder
	security    *audit.SecurityAuditor
	logger      *zap.Logger
}

// NewOnboardingService creates an OnboardingService. auditor and security may be nil.
func NewOnboardingService(
	store repositories.RegistryStore,
	encrypter Encrypter,
	invalidator Invalidator,
	auditor AuditRecorder,
	security *audit.SecurityAuditor,
	logger *zap.Logger,
) OnboardingService {
	return &onboardingService{
		store:       store,
		encrypter:   encrypter,
		invalidator: invalidator,
		auditor:     auditor,
		security:    security,
		logger:      logger.Named("onboarding"),
	}
}

var _ OnboardingService = (*onboardingService)(nil)

func (s *onboardingService) Onboard(ctx context.Context, req *OnboardRequest) (*OnboardResult, error) {
	if err := validateOnboardRequest(req); err != nil {
		return nil, err
	}

	sealed, err := s.seal(req.Secrets)
	if err != nil {
		return nil, err
	}

	org := &models.Organization{
		Name:     strings.TrimSpace(req.OrganizationName),
		Logo:     req.Logo,
		Plan:     req.Plan,
		IsActive: true,
	}
	conn := &models.Connection{
		DatastoreURL: req.DatastoreURL,
		AdminKey:     sealed.adminKey,
		PublicKey:    sealed.publicKey,
		ProviderKeys: sealed.providerKeys,
		AIProvider:   req.AIProvider,
		AIModel:      req.AIModel,
		Status:       models.ConnectionStatusActive,
	}
	admin := &models.User{
		Email:      req.AdminEmail,
		FullName:   req.AdminFullName,
		Role:       models.RoleAdmin,
		ExternalID: req.AdminExternalID,
		IsActive:   true,
	}

	err = s.store.InTx(ctx, func(tx repositories.RegistryStore) error {
		if err := tx.Organizations().Create(ctx, org); err != nil {
			return fmt.Errorf("failed to create organization: %w", err)
		}
		conn.OrgID = org.ID
		if err := tx.Connections().Upsert(ctx, conn); err != nil {
			return fmt.Errorf("failed to store connection: %w", err)
		}
		admin.OrgID = org.ID
		if err := tx.Users().Create(ctx, admin); err != nil {
			return fmt.Errorf("failed to create admin user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Onboarded organization",
		zap.String("organization_id", org.ID.String()),
		zap.String("plan", string(org.Plan)),
		zap.Strings("secret_fields", sealed.fields),
	)
	s.record(ctx, models.AuditEvent{
		OrgID:        org.ID,
		UserID:       &admin.ID,
		Action:       models.AuditActionOnboard,
		ResourceType: models.AuditResourceOrganization,
		ResourceID:   org.ID.String(),
		Details: map[string]any{
			"name":          org.Name,
			"plan":          string(org.Plan),
			"secret_fields": sealed.fields,
		},
	})

	return &OnboardResult{Organization: org, Connection: conn, Admin: admin}, nil
}

func validateOnboardRequest(req *OnboardRequest) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: empty onboarding request", apperrors.ErrInvalidInput)
	case strings.TrimSpace(req.OrganizationName) == "":
		return fmt.Errorf("%w: organization name is required", apperrors.ErrInvalidInput)
	case req.DatastoreURL == "":
		return fmt.Errorf("%w: datastore url is required", apperrors.ErrInvalidInput)
	case req.AdminExternalID == "":
		return fmt.Errorf("%w: admin external id is required", apperrors.ErrInvalidInput)
	case req.AdminEmail == "":
		return fmt.Errorf("%w: admin email is required", apperrors.ErrInvalidInput)
	case req.Plan != "" && !req.Plan.IsValid():
		return fmt.Errorf("%w: unknown plan %q", apperrors.ErrInvalidInput, req.Plan)
	case req.AIProvider != "" && !req.AIProvider.IsValid():
		return fmt.Errorf("%w: unknown ai provider %q", apperrors.ErrInvalidInput, req.AIProvider)
	}
	return nil
}

func (s *onboardingService) RotateCredentials(ctx context.Context, orgID uuid.UUID, secrets models.ConnectionSecrets) error {
	sealed, err := s.seal(secrets)
	if err != nil {
		return err
	}

	conn, err := s.store.Connections().GetByOrgID(ctx, orgID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("%w: organization %s has no connection to rotate", apperrors.ErrNotFound, orgID)
	}
	if err != nil {
		return err
	}

	conn.AdminKey = sealed.adminKey
	conn.PublicKey = sealed.publicKey
	conn.ProviderKeys = sealed.providerKeys
	conn.Status = models.ConnectionStatusActive

	if err := s.store.Connections().Upsert(ctx, conn); err != nil {
		return fmt.Errorf("failed to store rotated connection: %w", err)
	}

	// Only after the write: a rebuild triggered before commit would read the old secrets.
	s.invalidator.Invalidate(orgID)

	if s.security != nil {
		s.security.LogCredentialRotation(ctx, orgID, sealed.fields)
	}
	s.record(ctx, models.AuditEvent{
		OrgID:        orgID,
		Action:       models.AuditActionRotate,
		ResourceType: models.AuditResourceConnection,
		ResourceID:   conn.ID.String(),
		Details:      map[string]any{"fields": sealed.fields},
	})
	return nil
}

func (s *onboardingService) DeactivateOrganization(ctx context.Context, orgID uuid.UUID) error {
	if err := s.store.Organizations().SetActive(ctx, orgID, false); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("%w: organization %s", apperrors.ErrTenantNotFound, orgID)
		}
		return fmt.Errorf("failed to deactivate organization: %w", err)
	}

	s.invalidator.Invalidate(orgID)

	s.logger.Info("Deactivated organization", zap.String("organization_id", orgID.String()))
	s.record(ctx, models.AuditEvent{
		OrgID:        orgID,
		Action:       models.AuditActionDeactivate,
		ResourceType: models.AuditResourceOrganization,
		ResourceID:   orgID.String(),
	})
	return nil
}

func (s *onboardingService) record(ctx context.Context, event models.AuditEvent) {
	if s.auditor != nil {
		s.auditor.Record(ctx, event)
	}
}

// sealedSecrets is the ciphertext form of models.ConnectionSecrets.
type sealedSecrets struct {
	adminKey     models.EncryptedSecret
	publicKey    models.EncryptedSecret
	providerKeys map[models.AIProvider]models.EncryptedSecret
	fields       []string
}

// seal encrypts every present secret with a fresh salt and nonce.
func (s *onboardingService) seal(secrets models.ConnectionSecrets) (*sealedSecrets, error) {
	if secrets.AdminKey == "" {
		return nil, fmt.Errorf("%w: admin key is required", apperrors.ErrInvalidInput)
	}

	out := &sealedSecrets{providerKeys: make(map[models.AIProvider]models.EncryptedSecret)}

	blob, err := s.encrypter.Encrypt(secrets.AdminKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt admin_key: %w", err)
	}
	out.adminKey = models.EncryptedSecret(blob)
	out.fields = append(out.fields, "admin_key")

	if secrets.PublicKey != "" {
		blob, err := s.encrypter.Encrypt(secrets.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt public_key: %w", err)
		}
		out.publicKey = models.EncryptedSecret(blob)
		out.fields = append(out.fields, "public_key")
	}

	for provider, key := range secrets.ProviderKeys {
		if !provider.IsValid() {
			return nil, fmt.Errorf("%w: unknown ai provider %q", apperrors.ErrInvalidInput, provider)
		}
		if key == "" {
			continue
		}
		blob, err := s.encrypter.Encrypt(key)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt ai_key.%s: %w", provider, err)
		}
		out.providerKeys[provider] = models.EncryptedSecret(blob)
		out.fields = append(out.fields, "ai_key."+string(provider))
	}

	sort.Strings(out.fields)
	return out, nil
}
