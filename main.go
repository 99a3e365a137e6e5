package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-vault/migrations"
	"github.com/ekaya-inc/ekaya-vault/pkg/adapters/tenantclient"
	"github.com/ekaya-inc/ekaya-vault/pkg/audit"
	"github.com/ekaya-inc/ekaya-vault/pkg/config"
	"github.com/ekaya-inc/ekaya-vault/pkg/crypto"
	"github.com/ekaya-inc/ekaya-vault/pkg/database"
	"github.com/ekaya-inc/ekaya-vault/pkg/handlers"
	"github.com/ekaya-inc/ekaya-vault/pkg/logging"
	"github.com/ekaya-inc/ekaya-vault/pkg/middleware"
	"github.com/ekaya-inc/ekaya-vault/pkg/repositories"
	"github.com/ekaya-inc/ekaya-vault/pkg/retry"
	"github.com/ekaya-inc/ekaya-vault/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck // nothing useful to do on sync failure at exit

	// Refuse to serve tenant traffic without the master key or registry credentials.
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.Bool("redis", cfg.Redis.Enabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cipher, err := crypto.NewCipher(cfg.MasterEncryptionKey)
	if err != nil {
		logger.Fatal("Failed to initialise cipher", zap.Error(err))
	}

	db, err := connectRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to registry database", zap.String("error", logging.SanitizeError(err)))
	}

	sqlDB := db.SQLDB()
	if err := database.RunMigrations(sqlDB, migrations.FS, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.String("error", logging.SanitizeError(err)))
	}
	_ = sqlDB.Close()

	store := repositories.NewRegistryStore(db)
	security := audit.NewSecurityAuditor(logger)
	auditLogger := services.NewAuditLogger(store.AuditLogs(), services.AuditLoggerConfig{
		QueueSize: cfg.Audit.QueueSize,
		Workers:   cfg.Audit.Workers,
	}, logger)
	resolver := services.NewTenantResolver(store, auditLogger, security, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := tenantclient.NewClientFactory(
		tenantclient.Config{
			BuildTimeout: cfg.ClientFactory.BuildTimeout,
			ProbeTimeout: cfg.ClientFactory.ProbeTimeout,
		},
		resolver,
		cipher,
		tenantclient.NewDriverBuilder(tenantclient.PoolConfig{
			MaxConns: cfg.ClientFactory.PoolMaxConns,
			MinConns: cfg.ClientFactory.PoolMinConns,
		}),
		logger,
		tenantclient.WithMetrics(tenantclient.NewMetrics(registry)),
		tenantclient.WithSecurityAuditor(security),
		tenantclient.WithAuditRecorder(auditLogger),
		tenantclient.WithTestRecorder(store.Connections()),
	)

	// Without Redis, invalidations only reach this process.
	var invalidator tenantclient.Invalidator = factory
	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.String("error", logging.SanitizeError(err)))
	}
	if redisClient != nil {
		instance := instanceID()
		invalidator = tenantclient.NewBroadcastInvalidator(factory, redisClient, cfg.Redis.Channel, instance, logger)
		subscriber := tenantclient.NewSubscriber(factory, redisClient, cfg.Redis.Channel, instance, logger)
		go func() {
			if err := subscriber.Run(ctx, nil); err != nil {
				logger.Error("Invalidation subscriber stopped", zap.Error(err))
			}
		}()
	}

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, db, factory, logger).RegisterRoutes(mux)
	handlers.NewConnectionsHandler(connectionOps{factory, invalidator}, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(middleware.RequestActor(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting ekaya-vault ops server", zap.String("addr", server.Addr), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ops server shutdown failed", zap.Error(err))
	}

	// Close tenant handles first, then flush audit entries they may have queued.
	_ = factory.Close()
	auditLogger.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	db.Close()
	logger.Info("Shutdown complete")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// connectRegistry retries while the registry database is still starting.
func connectRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*database.DB, error) {
	retryCfg := retry.DefaultConfig()
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("Registry database not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error", logging.SanitizeError(err)),
		)
	}

	return retry.DoWithResult(ctx, retryCfg, func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:            cfg.Database.ConnectionString(),
			MaxConnections: cfg.Database.MaxConnections,
		})
	})
}

// instanceID identifies this replica on the invalidation bus.
func instanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

// connectionOps serves connection tests from the local factory and routes
// invalidations through the bus so every replica drops the client.
type connectionOps struct {
	*tenantclient.ClientFactory
	invalidator tenantclient.Invalidator
}

func (o connectionOps) Invalidate(orgID uuid.UUID) { o.invalidator.Invalidate(orgID) }

func (o connectionOps) InvalidateAll() { o.invalidator.InvalidateAll() }
