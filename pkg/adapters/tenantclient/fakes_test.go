package tenantclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-vault/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-vault/pkg/crypto"
	"github.com/ekaya-inc/ekaya-vault/pkg/models"
)

const testMasterKey = "M"

// fakeHandle records the admin key it was built with. A non-nil closeGate
// makes Close block until the gate is closed, like a pool waiting for
// borrowed connections.
type fakeHandle struct {
	adminKey  string
	probeErr  error
	closeGate chan struct{}
	closed    atomic.Bool
}

func (h *fakeHandle) Probe(ctx context.Context) error { return h.probeErr }

func (h *fakeHandle) Close() error {
	if h.closeGate != nil {
		<-h.closeGate
	}
	h.closed.Store(true)
	return nil
}

func (h *fakeHandle) Type() string { return "fake" }

// fakeBuilder counts builds. A gate registered for an endpoint holds builds
// for that endpoint until the gate is closed or the build context ends.
type fakeBuilder struct {
	calls atomic.Int32

	mu       sync.Mutex
	gates    map[string]chan struct{}
	err      error
	probeErr error
	handles  []*fakeHandle
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{gates: make(map[string]chan struct{})}
}

func (b *fakeBuilder) hold(endpoint string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.gates[endpoint] = gate
	return gate
}

func (b *fakeBuilder) Build(ctx context.Context, endpoint, adminKey string) (Handle, error) {
	b.calls.Add(1)

	b.mu.Lock()
	gate := b.gates[endpoint]
	err := b.err
	probeErr := b.probeErr
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	h := &fakeHandle{adminKey: adminKey, probeErr: probeErr}
	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()
	return h, nil
}

func (b *fakeBuilder) built() []*fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeHandle(nil), b.handles...)
}

// fakeSource serves connections from memory.
type fakeSource struct {
	calls atomic.Int32

	mu    sync.Mutex
	conns map[uuid.UUID]*models.Connection
	err   error
}

func newFakeSource() *fakeSource {
	return &fakeSource{conns: make(map[uuid.UUID]*models.Connection)}
}

func (s *fakeSource) put(conn *models.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.OrgID] = conn
}

func (s *fakeSource) ResolveConnection(ctx context.Context, orgID uuid.UUID) (*models.Connection, error) {
	s.calls.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	conn, ok := s.conns[orgID]
	if !ok {
		return nil, fmt.Errorf("%w: organization %s", apperrors.ErrTenantNotFound, orgID)
	}
	c := *conn
	return &c, nil
}

type fakeAuditRecorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (r *fakeAuditRecorder) Record(ctx context.Context, event models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *fakeAuditRecorder) byAction(action string) []models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fakeTestRecorder struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (r *fakeTestRecorder) RecordTest(ctx context.Context, orgID uuid.UUID, testedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, orgID)
	return r.err
}

func newTestCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.NewCipher(testMasterKey, crypto.WithIterations(10))
	require.NoError(t, err)
	return c
}

func testEndpoint(orgID uuid.UUID) string {
	return fmt.Sprintf("postgres://app@%s.tenants.internal:5432/app", orgID)
}

// newTestConnection returns an active connection whose admin key is adminKey.
func newTestConnection(t *testing.T, c *crypto.Cipher, orgID uuid.UUID, adminKey string) *models.Connection {
	t.Helper()
	blob, err := c.Encrypt(adminKey)
	require.NoError(t, err)
	return &models.Connection{
		ID:           uuid.New(),
		OrgID:        orgID,
		DatastoreURL: testEndpoint(orgID),
		AdminKey:     models.EncryptedSecret(blob),
		Status:       models.ConnectionStatusActive,
	}
}

func newTestFactory(t *testing.T, cfg Config, source ConnectionSource, builder HandleBuilder, opts ...Option) *ClientFactory {
	t.Helper()
	f := NewClientFactory(cfg, source, newTestCipher(t), builder, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func adminKeyOf(t *testing.T, client *TenantClient) string {
	t.Helper()
	h, ok := client.Datastore.(*fakeHandle)
	require.True(t, ok, "expected fake handle, got %T", client.Datastore)
	return h.adminKey
}
