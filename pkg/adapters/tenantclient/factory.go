// Package tenantclient turns a tenant's encrypted connection record into a
// live, cached client. It is the only place tenant secrets are decrypted.
package tenantclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-vault/pkg/audit"
	"github.com/ekaya-inc/ekaya-vault/pkg/logging"
	"github.com/ekaya-inc/ekaya-vault/pkg/models"
)

const (
	DefaultBuildTimeout = 15 * time.Second
	DefaultProbeTimeout = 5 * time.Second

	// maxBuildAttempts bounds rebuilds when invalidations keep landing while
	// a build is in flight.
	maxBuildAttempts = 3
)

// ConnectionSource resolves an organization's connection record, failing with
// the resolution-chain errors when the tenant is not serviceable.
type ConnectionSource interface {
	ResolveConnection(ctx context.Context, orgID uuid.UUID) (*models.Connection, error)
}

// Decrypter opens cipher blobs. *crypto.Cipher satisfies it.
type Decrypter interface {
	Decrypt(blob string) (string, error)
}

// TestRecorder stamps the time of the last connection test.
type TestRecorder interface {
	RecordTest(ctx context.Context, orgID uuid.UUID, testedAt time.Time) error
}

// AuditRecorder receives audit events. Implementations must not block or fail.
type AuditRecorder interface {
	Record(ctx context.Context, event models.AuditEvent)
}

// Config holds factory timeouts.
type Config struct {
	// BuildTimeout bounds one resolve + decrypt + connect. Builds are shared
	// by concurrent callers, so they are not tied to any one caller's context.
	BuildTimeout time.Duration
	// ProbeTimeout bounds the TestConnection round trip.
	ProbeTimeout time.Duration
}

// Option configures optional collaborators.
type Option func(*ClientFactory)

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(f *ClientFactory) { f.metrics = m }
}

// WithSecurityAuditor logs integrity failures as security events.
func WithSecurityAuditor(a *audit.SecurityAuditor) Option {
	return func(f *ClientFactory) { f.security = a }
}

// WithAuditRecorder writes connection tests and credential failures to the audit log.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(f *ClientFactory) { f.audit = r }
}

// WithTestRecorder stamps last_connection_test after TestConnection.
func WithTestRecorder(r TestRecorder) Option {
	return func(f *ClientFactory) { f.tests = r }
}

// ClientFactory builds and caches one TenantClient per organization.
//
// Lookups for cached organizations take only a read lock. Concurrent misses
// for the same organization share one build; misses for different
// organizations build in parallel.
type ClientFactory struct {
	cfg       Config
	source    ConnectionSource
	decrypter Decrypter
	builder   HandleBuilder
	cache     *HandleCache
	group     singleflight.Group
	logger    *zap.Logger

	metrics  *Metrics
	security *audit.SecurityAuditor
	audit    AuditRecorder
	tests    TestRecorder

	closed  atomic.Bool
	closing sync.WaitGroup
	stats   factoryCounters
}

type factoryCounters struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	builds        atomic.Uint64
	buildFailures atomic.Uint64
	invalidations atomic.Uint64
}

// NewClientFactory creates a factory with an empty cache.
func NewClientFactory(
	cfg Config,
	source ConnectionSource,
	decrypter Decrypter,
	builder HandleBuilder,
	logger *zap.Logger,
	opts ...Option,
) *ClientFactory {
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	f := &ClientFactory{
		cfg:       cfg,
		source:    source,
		decrypter: decrypter,
		builder:   builder,
		cache:     NewHandleCache(),
		logger:    logger.Named("client-factory"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// GetClient returns the cached client for orgID, building it on a miss.
func (f *ClientFactory) GetClient(ctx context.Context, orgID uuid.UUID) (*TenantClient, error) {
	return f.getClient(ctx, orgID, nil)
}

// GetClientFor is GetClient with a connection the caller already resolved.
// The connection is only used on a cache miss, and only when its UpdatedAt is
// later than the organization's last invalidation. Otherwise the registry is
// read again.
func (f *ClientFactory) GetClientFor(ctx context.Context, conn *models.Connection) (*TenantClient, error) {
	if conn == nil || conn.OrgID == uuid.Nil {
		return nil, fmt.Errorf("%w: connection has no organization", apperrors.ErrInvalidInput)
	}
	return f.getClient(ctx, conn.OrgID, conn)
}

func (f *ClientFactory) getClient(ctx context.Context, orgID uuid.UUID, conn *models.Connection) (*TenantClient, error) {
	if f.closed.Load() {
		return nil, fmt.Errorf("%w: client factory is closed", apperrors.ErrConnectionUnavailable)
	}

	if client, ok := f.cache.Get(orgID); ok {
		f.stats.hits.Add(1)
		f.metrics.hit()
		return client, nil
	}
	f.stats.misses.Add(1)
	f.metrics.miss()

	ch := f.group.DoChan(orgID.String(), func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.BuildTimeout)
		defer cancel()
		return f.build(buildCtx, orgID, conn)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*TenantClient), nil
	case <-ctx.Done():
		// The shared build keeps running for other callers and may still be cached.
		return nil, fmt.Errorf("waiting for client of organization %s: %w", orgID, ctx.Err())
	}
}

// build runs inside the singleflight group, once per organization at a time.
func (f *ClientFactory) build(ctx context.Context, orgID uuid.UUID, conn *models.Connection) (*TenantClient, error) {
	started := time.Now()

	for attempt := 0; attempt < maxBuildAttempts; attempt++ {
		// Double-check: an earlier flight may have stored a client after our miss.
		if client, ok := f.cache.Get(orgID); ok {
			return client, nil
		}

		t := f.cache.ticket(orgID)

		// A caller-supplied record is only trusted if it was written after the
		// last invalidation; one read before a rotation carries the old key.
		if conn == nil || attempt > 0 || t.predates(conn) {
			resolved, err := f.source.ResolveConnection(ctx, orgID)
			if err != nil {
				f.recordBuildFailure("unavailable", started)
				return nil, err
			}
			conn = resolved
		}
		if conn.Status != models.ConnectionStatusActive {
			f.recordBuildFailure("unavailable", started)
			return nil, fmt.Errorf("%w: connection for organization %s is %s",
				apperrors.ErrConnectionUnavailable, orgID, conn.Status)
		}

		client, err := f.construct(ctx, conn)
		if err != nil {
			return nil, err
		}
		client.BuiltAt = time.Now()

		if f.closed.Load() {
			f.closeClient(client, "factory closed during build")
			return nil, fmt.Errorf("%w: client factory is closed", apperrors.ErrConnectionUnavailable)
		}

		winner, stored := f.cache.storeIfCurrent(orgID, t, client)
		if stored {
			if winner != client {
				f.closeClient(client, "duplicate build")
				return winner, nil
			}
			f.stats.builds.Add(1)
			f.metrics.build("success", started)
			f.metrics.cached(f.cache.Len())
			f.logger.Info("Built tenant client",
				zap.String("organization_id", orgID.String()),
				zap.String("datastore_type", client.Datastore.Type()),
				zap.String("endpoint", logging.SanitizeConnectionString(conn.DatastoreURL)),
				zap.Duration("elapsed", time.Since(started)),
			)
			return client, nil
		}

		// Invalidated while building: the connection we read may predate a
		// rotation, so discard the client and read the registry again.
		f.metrics.build("stale", started)
		f.closeClient(client, "invalidated during build")
		f.logger.Debug("Tenant client invalidated during build, rebuilding",
			zap.String("organization_id", orgID.String()),
			zap.Int("attempt", attempt+1),
		)
	}

	f.recordBuildFailure("stale", started)
	return nil, fmt.Errorf("%w: organization %s was invalidated repeatedly during client construction",
		apperrors.ErrConnectionUnavailable, orgID)
}

// construct decrypts every secret and opens the handle. Plaintext secrets
// live only in this frame and inside the driver and AI clients.
func (f *ClientFactory) construct(ctx context.Context, conn *models.Connection) (*TenantClient, error) {
	started := time.Now()

	adminKey, err := f.decrypt(ctx, conn.OrgID, "admin_key", conn.AdminKey)
	if err != nil {
		f.recordBuildFailure("credential_error", started)
		return nil, err
	}

	var publicKey string
	if !conn.PublicKey.IsZero() {
		if publicKey, err = f.decrypt(ctx, conn.OrgID, "public_key", conn.PublicKey); err != nil {
			f.recordBuildFailure("credential_error", started)
			return nil, err
		}
	}

	providerKeys := make(map[models.AIProvider]string, len(conn.ProviderKeys))
	for provider, blob := range conn.ProviderKeys {
		if blob.IsZero() {
			continue
		}
		key, err := f.decrypt(ctx, conn.OrgID, "ai_key."+string(provider), blob)
		if err != nil {
			f.recordBuildFailure("credential_error", started)
			return nil, err
		}
		providerKeys[provider] = key
	}

	handle, err := f.builder.Build(ctx, conn.DatastoreURL, adminKey)
	if err != nil {
		f.recordBuildFailure("connect_error", started)
		reason := logging.SanitizeError(err)
		f.logger.Error("Failed to open tenant datastore",
			zap.String("organization_id", conn.OrgID.String()),
			zap.String("endpoint", logging.SanitizeConnectionString(conn.DatastoreURL)),
			zap.String("error", reason),
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: opening datastore for organization %s: %w",
				apperrors.ErrConnectionUnavailable, conn.OrgID, ctxErr)
		}
		if errors.Is(err, apperrors.ErrInvalidInput) {
			return nil, fmt.Errorf("%w: organization %s: %w", apperrors.ErrConnectionUnavailable, conn.OrgID, err)
		}
		// Driver errors are not wrapped: their text may echo connection details.
		return nil, fmt.Errorf("%w: opening datastore for organization %s: %s",
			apperrors.ErrConnectionUnavailable, conn.OrgID, reason)
	}

	client := &TenantClient{
		OrgID:            conn.OrgID,
		Datastore:        handle,
		PublicKey:        publicKey,
		SelectedProvider: conn.AIProvider,
		Model:            conn.AIModel,
	}
	client.attachAIClients(providerKeys)
	return client, nil
}

func (f *ClientFactory) decrypt(ctx context.Context, orgID uuid.UUID, field string, blob models.EncryptedSecret) (string, error) {
	plain, err := f.decrypter.Decrypt(string(blob))
	if err == nil {
		return plain, nil
	}

	if f.security != nil {
		f.security.LogIntegrityFailure(ctx, orgID, field, err)
	} else {
		f.logger.Error("Stored secret failed integrity check",
			zap.String("organization_id", orgID.String()),
			zap.String("field", field),
			zap.String("error", logging.SanitizeError(err)),
		)
	}
	if f.audit != nil {
		f.audit.Record(ctx, models.AuditEvent{
			OrgID:        orgID,
			Action:       models.AuditActionCredentialFailed,
			ResourceType: models.AuditResourceConnection,
			ResourceID:   orgID.String(),
			Details:      map[string]any{"field": field},
		})
	}
	return "", fmt.Errorf("%w: %s for organization %s could not be decrypted: %w",
		apperrors.ErrCredential, field, orgID, err)
}

func (f *ClientFactory) recordBuildFailure(result string, started time.Time) {
	f.stats.buildFailures.Add(1)
	f.metrics.build(result, started)
}

// Invalidate drops the cached client for orgID. The removal is synchronous:
// once it returns, the next GetClient rebuilds from the registry. The old
// client is closed in the background, since a pool close waits for requests
// still holding its connections. Call it after the rotation write has
// committed.
func (f *ClientFactory) Invalidate(orgID uuid.UUID) {
	removed := f.cache.Remove(orgID)
	f.stats.invalidations.Add(1)
	f.metrics.invalidated("org", 1)
	f.metrics.cached(f.cache.Len())

	if removed != nil {
		f.retire(removed, "invalidated")
	}
	f.logger.Debug("Invalidated tenant client",
		zap.String("organization_id", orgID.String()),
		zap.Bool("was_cached", removed != nil),
	)
}

// InvalidateAll drops every cached client and closes them in the background.
func (f *ClientFactory) InvalidateAll() {
	removed := f.cache.Clear()
	f.stats.invalidations.Add(uint64(len(removed)))
	f.metrics.invalidated("all", len(removed))
	f.metrics.cached(0)

	for _, client := range removed {
		f.retire(client, "invalidated")
	}
	f.logger.Info("Invalidated all tenant clients", zap.Int("count", len(removed)))
}

// TestConnection builds or reuses the client for orgID and performs one
// trivial round trip. It never returns an error; failures are logged, and a
// client that fails its probe is evicted so the next request rebuilds it.
func (f *ClientFactory) TestConnection(ctx context.Context, orgID uuid.UUID) bool {
	ok, reason := f.testConnection(ctx, orgID)
	f.metrics.tested(ok)

	if f.tests != nil {
		if err := f.tests.RecordTest(ctx, orgID, time.Now()); err != nil {
			f.logger.Warn("Failed to record connection test",
				zap.String("organization_id", orgID.String()),
				zap.String("error", logging.SanitizeError(err)),
			)
		}
	}

	if f.audit != nil {
		details := map[string]any{"success": ok}
		if !ok {
			details["reason"] = reason
		}
		f.audit.Record(ctx, models.AuditEvent{
			OrgID:        orgID,
			Action:       models.AuditActionConnectionTest,
			ResourceType: models.AuditResourceConnection,
			ResourceID:   orgID.String(),
			Details:      details,
		})
	}
	return ok
}

func (f *ClientFactory) testConnection(ctx context.Context, orgID uuid.UUID) (bool, string) {
	client, err := f.GetClient(ctx, orgID)
	if err != nil {
		reason := logging.SanitizeError(err)
		f.logger.Warn("Connection test could not obtain client",
			zap.String("organization_id", orgID.String()),
			zap.String("error", reason),
		)
		return false, reason
	}

	probeCtx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()

	if err := client.Datastore.Probe(probeCtx); err != nil {
		reason := logging.SanitizeError(err)
		f.logger.Warn("Connection test failed, evicting client",
			zap.String("organization_id", orgID.String()),
			zap.String("error", reason),
		)
		if f.cache.Evict(orgID, client) {
			f.stats.invalidations.Add(1)
			f.metrics.invalidated("probe_failure", 1)
			f.metrics.cached(f.cache.Len())
			f.retire(client, "probe failed")
		}
		return false, reason
	}
	return true, ""
}

// retire closes a client that other requests may still be using without
// making the caller wait for them.
func (f *ClientFactory) retire(client *TenantClient, why string) {
	f.closing.Add(1)
	go func() {
		defer f.closing.Done()
		f.closeClient(client, why)
	}()
}

func (f *ClientFactory) closeClient(client *TenantClient, why string) {
	if err := client.Close(); err != nil {
		f.logger.Warn("Failed to close tenant client",
			zap.String("organization_id", client.OrgID.String()),
			zap.String("reason", why),
			zap.String("error", logging.SanitizeError(err)),
		)
	}
}

// Stats returns a snapshot of the cache. Safe to call concurrently.
func (f *ClientFactory) Stats() CacheStats {
	byType := f.cache.byType()
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	return CacheStats{
		CachedClients:          f.cache.Len(),
		ClientsByType:          byType,
		Hits:                   f.stats.hits.Load(),
		Misses:                 f.stats.misses.Load(),
		Builds:                 f.stats.builds.Load(),
		BuildFailures:          f.stats.buildFailures.Load(),
		Invalidations:          f.stats.invalidations.Load(),
		OldestClientAgeSeconds: int(f.cache.oldest(time.Now()).Seconds()),
		DatastoreTypes:         types,
	}
}

// CacheStats contains statistics about the client cache.
type CacheStats struct {
	CachedClients          int            `json:"cached_clients"`
	ClientsByType          map[string]int `json:"clients_by_type"`
	Hits                   uint64         `json:"hits"`
	Misses                 uint64         `json:"misses"`
	Builds                 uint64         `json:"builds"`
	BuildFailures          uint64         `json:"build_failures"`
	Invalidations          uint64         `json:"invalidations"`
	OldestClientAgeSeconds int            `json:"oldest_client_age_seconds"`
	DatastoreTypes         []string       `json:"datastore_types"`
}

// Close closes every cached client, waits for clients retired by earlier
// invalidations, and rejects further lookups.
// This method is idempotent and safe to call multiple times.
func (f *ClientFactory) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	removed := f.cache.Clear()
	for _, client := range removed {
		f.closeClient(client, "factory closed")
	}
	f.closing.Wait()
	f.metrics.cached(0)
	f.logger.Info("Client factory closed", zap.Int("closed_clients", len(removed)))
	return nil
}
