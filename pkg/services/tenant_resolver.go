package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-vault/pkg/audit"
	"github.com/ekaya-inc/ekaya-vault/pkg/logging"
	"github.com/ekaya-inc/ekaya-vault/pkg/models"
	"github.com/ekaya-inc/ekaya-vault/pkg/repositories"
)

// Resolution stages, recorded in access-denied security events.
const (
	stageUser         = "user"
	stageOrganization = "organization"
	stageConnection   = "connection"
)

// ResolvedTenant is everything the lookup chain found for a principal.
// The connection still carries ciphertext only.
type ResolvedTenant struct {
	User         *models.User
	Organization *models.Organization
	Connection   *models.Connection
}

// TenantResolver maps an authenticated principal to its organization and
// connection record.
type TenantResolver interface {
	// Resolve walks user → organization → connection. Failures are
	// apperrors.ErrUnauthenticated, ErrTenantNotFound or
	// ErrConnectionUnavailable by stage; registry failures are ErrStore.
	Resolve(ctx context.Context, externalUserID string) (*ResolvedTenant, error)

	// ResolveConnection runs the organization → connection part of the chain.
	ResolveConnection(ctx context.Context, orgID uuid.UUID) (*models.Connection, error)

	// UserHasRole reports whether the principal is active and holds one of roles.
	UserHasRole(ctx context.Context, externalUserID string, roles ...string) (bool, error)

	// RecordLogin stamps last_login and writes a user.login audit entry.
	RecordLogin(ctx context.Context, user *models.User) error
}

type tenantResolver struct {
	store    repositories.RegistryStore
	auditor  AuditRecorder
	security *audit.SecurityAuditor
	logger   *zap.Logger
}

// NewTenantResolver creates a TenantResolver. auditor and security may be nil.
func NewTenantResolver(
	store repositories.RegistryStore,
	auditor AuditRecorder,
	security *audit.SecurityAuditor,
	logger *zap.Logger,
) TenantResolver {
	return &tenantResolver{
		store:    store,
		auditor:  auditor,
		security: security,
		logger:   logger.Named("tenant-resolver"),
	}
}

var _ TenantResolver = (*tenantResolver)(nil)

func (s *tenantResolver) Resolve(ctx context.Context, externalUserID string) (*ResolvedTenant, error) {
	if externalUserID == "" {
		return nil, s.denied(ctx, externalUserID, stageUser,
			fmt.Errorf("%w: no principal", apperrors.ErrUnauthenticated))
	}

	user, err := s.store.Users().GetByExternalID(ctx, externalUserID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, s.denied(ctx, externalUserID, stageUser,
			fmt.Errorf("%w: unknown principal", apperrors.ErrUnauthenticated))
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, s.denied(ctx, externalUserID, stageUser,
			fmt.Errorf("%w: principal is inactive", apperrors.ErrUnauthenticated))
	}

	org, conn, stage, err := s.resolveOrganization(ctx, user.OrgID)
	if err != nil {
		if stage != "" {
			return nil, s.denied(ctx, externalUserID, stage, err)
		}
		return nil, err
	}

	return &ResolvedTenant{User: user, Organization: org, Connection: conn}, nil
}

func (s *tenantResolver) ResolveConnection(ctx context.Context, orgID uuid.UUID) (*models.Connection, error) {
	_, conn, stage, err := s.resolveOrganization(ctx, orgID)
	if err != nil {
		if stage != "" {
			s.logger.Warn("Organization is not serviceable",
				zap.String("organization_id", orgID.String()),
				zap.String("stage", stage),
				zap.String("error", logging.SanitizeError(err)),
			)
		}
		return nil, err
	}
	return conn, nil
}

// resolveOrganization returns a non-empty stage for resolution failures and
// an empty stage for registry failures.
func (s *tenantResolver) resolveOrganization(ctx context.Context, orgID uuid.UUID) (*models.Organization, *models.Connection, string, error) {
	org, err := s.store.Organizations().GetByID(ctx, orgID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil, stageOrganization, fmt.Errorf("%w: organization %s", apperrors.ErrTenantNotFound, orgID)
	}
	if err != nil {
		return nil, nil, "", err
	}
	if !org.IsActive {
		return nil, nil, stageOrganization, fmt.Errorf("%w: organization %s is deactivated", apperrors.ErrTenantNotFound, orgID)
	}

	conn, err := s.store.Connections().GetByOrgID(ctx, orgID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil, stageConnection, fmt.Errorf("%w: organization %s has no connection", apperrors.ErrConnectionUnavailable, orgID)
	}
	if err != nil {
		return nil, nil, "", err
	}
	if conn.Status != models.ConnectionStatusActive {
		return nil, nil, stageConnection, fmt.Errorf("%w: connection for organization %s is %s",
			apperrors.ErrConnectionUnavailable, orgID, conn.Status)
	}

	return org, conn, "", nil
}

func (s *tenantResolver) denied(ctx context.Context, externalUserID, stage string, err error) error {
	if s.security != nil {
		s.security.LogAccessDenied(ctx, externalUserID, stage, err)
	} else {
		s.logger.Warn("Tenant access denied",
			zap.String("external_user_id", externalUserID),
			zap.String("stage", stage),
			zap.String("error", logging.SanitizeError(err)),
		)
	}
	return err
}

func (s *tenantResolver) UserHasRole(ctx context.Context, externalUserID string, roles ...string) (bool, error) {
	if externalUserID == "" {
		return false, nil
	}
	user, err := s.store.Users().GetByExternalID(ctx, externalUserID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.IsActive && user.HasAnyRole(roles...), nil
}

func (s *tenantResolver) RecordLogin(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == uuid.Nil {
		return fmt.Errorf("%w: no user", apperrors.ErrInvalidInput)
	}

	now := time.Now()
	if err := s.store.Users().UpdateLastLogin(ctx, user.ID, now); err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	user.LastLogin = &now

	if s.auditor != nil {
		s.auditor.Record(ctx, models.AuditEvent{
			OrgID:        user.OrgID,
			UserID:       &user.ID,
			Action:       models.AuditActionLogin,
			ResourceType: models.AuditResourceUser,
			ResourceID:   user.ID.String(),
		})
	}
	return nil
}
