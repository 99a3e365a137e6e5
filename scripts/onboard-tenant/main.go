// onboard-tenant provisions a tenant from a YAML manifest, or rotates or
// deactivates an existing one.
//
// Usage:
//
//	go run ./scripts/onboard-tenant -manifest acme.yaml
//	go run ./scripts/onboard-tenant -manifest acme.yaml -rotate <org-id>
//	go run ./scripts/onboard-tenant -deactivate <org-id>
//
// Registry connection and MASTER_ENCRYPTION_KEY come from the same
// environment variables as the server. When Redis is configured, rotation
// and deactivation are broadcast so running replicas drop their cached client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-vault/pkg/adapters/tenantclient"
	"github.com/ekaya-inc/ekaya-vault/pkg/audit"
	"github.com/ekaya-inc/ekaya-vault/pkg/config"
	"github.com/ekaya-inc/ekaya-vault/pkg/crypto"
	"github.com/ekaya-inc/ekaya-vault/pkg/database"
	"github.com/ekaya-inc/ekaya-vault/pkg/logging"
	"github.com/ekaya-inc/ekaya-vault/pkg/repositories"
	"github.com/ekaya-inc/ekaya-vault/pkg/services"
)

// noLocalCache stands in for the factory: this process caches no clients.
type noLocalCache struct{}

func (noLocalCache) Invalidate(uuid.UUID) {}
func (noLocalCache) InvalidateAll()       {}

func main() {
	manifestPath := flag.String("manifest", "", "Path to the tenant manifest")
	rotate := flag.String("rotate", "", "Rotate the secrets of this organization using the manifest's secrets")
	deactivate := flag.String("deactivate", "", "Deactivate this organization")
	flag.Parse()

	if *manifestPath == "" && *deactivate == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -manifest <file> [-rotate <org-id>] | -deactivate <org-id>\n", os.Args[0])
		os.Exit(1)
	}

	if err := run(*manifestPath, *rotate, *deactivate); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", logging.SanitizeError(err))
		os.Exit(1)
	}
}

func run(manifestPath, rotate, deactivate string) error {
	ctx := context.Background()

	cfg, err := config.Load("onboard-tenant")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best effort on exit

	cipher, err := crypto.NewCipher(cfg.MasterEncryptionKey)
	if err != nil {
		return err
	}

	db, err := database.NewConnection(ctx, &database.Config{URL: cfg.Database.ConnectionString(), MaxConnections: 2})
	if err != nil {
		return err
	}
	defer db.Close()

	var invalidator services.Invalidator = noLocalCache{}
	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		invalidator = tenantclient.NewBroadcastInvalidator(noLocalCache{}, redisClient, cfg.Redis.Channel, "onboard-tenant-"+uuid.NewString()[:8], logger)
	} else if rotate != "" || deactivate != "" {
		logger.Warn("Redis not configured; running servers keep their cached client until restarted or invalidated")
	}

	store := repositories.NewRegistryStore(db)
	auditLogger := services.NewAuditLogger(store.AuditLogs(), services.AuditLoggerConfig{}, logger)
	defer auditLogger.Close()
	svc := services.NewOnboardingService(store, cipher, invalidator, auditLogger, audit.NewSecurityAuditor(logger), logger)

	switch {
	case deactivate != "":
		orgID, err := uuid.Parse(deactivate)
		if err != nil {
			return fmt.Errorf("invalid organization ID: %w", err)
		}
		if err := svc.DeactivateOrganization(ctx, orgID); err != nil {
			return err
		}
		fmt.Printf("Deactivated organization %s\n", orgID)
		return nil

	case rotate != "":
		orgID, err := uuid.Parse(rotate)
		if err != nil {
			return fmt.Errorf("invalid organization ID: %w", err)
		}
		m, err := readManifest(manifestPath)
		if err != nil {
			return err
		}
		secrets, err := m.secrets(os.LookupEnv)
		if err != nil {
			return err
		}
		if err := svc.RotateCredentials(ctx, orgID, secrets); err != nil {
			return err
		}
		fmt.Printf("Rotated credentials for organization %s\n", orgID)
		return nil
	}

	m, err := readManifest(manifestPath)
	if err != nil {
		return err
	}
	req, err := m.request(os.LookupEnv)
	if err != nil {
		return err
	}
	result, err := svc.Onboard(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("Onboarded %q\n", result.Organization.Name)
	fmt.Printf("  organization: %s\n", result.Organization.ID)
	fmt.Printf("  connection:   %s\n", result.Connection.ID)
	fmt.Printf("  admin user:   %s (%s)\n", result.Admin.ID, result.Admin.Email)
	return nil
}
