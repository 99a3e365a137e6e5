package tenantclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingInvalidator struct {
	mu   sync.Mutex
	orgs []uuid.UUID
	all  int
}

func (r *recordingInvalidator) Invalidate(orgID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orgs = append(r.orgs, orgID)
}

func (r *recordingInvalidator) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all++
}

func (r *recordingInvalidator) snapshot() ([]uuid.UUID, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.orgs...), r.all
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func startSubscriber(t *testing.T, s *Subscriber) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, ready) }()

	select {
	case <-ready:
	case err := <-errCh:
		t.Fatalf("subscriber failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not confirm subscription")
	}
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
}

func TestInvalidationBus_PropagatesToOtherReplicas(t *testing.T) {
	client := setupRedis(t)
	logger := zaptest.NewLogger(t)
	const channel = "ekaya-vault:client-invalidation"

	publisherLocal := &recordingInvalidator{}
	replicaLocal := &recordingInvalidator{}

	startSubscriber(t, NewSubscriber(replicaLocal, client, channel, "replica-b", logger))
	bus := NewBroadcastInvalidator(publisherLocal, client, channel, "replica-a", logger)

	orgID := uuid.New()
	bus.Invalidate(orgID)

	local, _ := publisherLocal.snapshot()
	assert.Equal(t, []uuid.UUID{orgID}, local, "local invalidation happens before publish returns")

	require.Eventually(t, func() bool {
		orgs, _ := replicaLocal.snapshot()
		return len(orgs) == 1 && orgs[0] == orgID
	}, 2*time.Second, 10*time.Millisecond)

	bus.InvalidateAll()
	require.Eventually(t, func() bool {
		_, all := replicaLocal.snapshot()
		return all == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidationBus_IgnoresOwnMessages(t *testing.T) {
	client := setupRedis(t)
	logger := zaptest.NewLogger(t)
	const channel = "invalidation-test"

	local := &recordingInvalidator{}
	startSubscriber(t, NewSubscriber(local, client, channel, "replica-a", logger))
	bus := NewBroadcastInvalidator(local, client, channel, "replica-a", logger)

	// A marker from another replica proves delivery has caught up.
	marker := uuid.New()
	bus.Invalidate(uuid.New())
	require.NoError(t, client.Publish(context.Background(), channel, encodeInvalidation("replica-b", marker.String())).Err())

	require.Eventually(t, func() bool {
		orgs, _ := local.snapshot()
		return len(orgs) == 2 && orgs[1] == marker
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriber_IgnoresMalformedMessages(t *testing.T) {
	local := &recordingInvalidator{}
	s := NewSubscriber(local, nil, "unused", "replica-a", zaptest.NewLogger(t))

	s.apply("no-separator")
	s.apply("replica-b|")
	s.apply("replica-b|not-a-uuid")

	orgs, all := local.snapshot()
	assert.Empty(t, orgs)
	assert.Zero(t, all)
}

func TestBroadcastInvalidator_PublishFailureStillInvalidatesLocally(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	local := &recordingInvalidator{}
	bus := NewBroadcastInvalidator(local, client, "invalidation-test", "replica-a", zaptest.NewLogger(t))

	orgID := uuid.New()
	assert.NotPanics(t, func() { bus.Invalidate(orgID) })

	orgs, _ := local.snapshot()
	assert.Equal(t, []uuid.UUID{orgID}, orgs)
}

func TestInvalidationMessageEncoding(t *testing.T) {
	from, target, ok := decodeInvalidation(encodeInvalidation("replica-a", invalidateAllToken))
	require.True(t, ok)
	assert.Equal(t, "replica-a", from)
	assert.Equal(t, invalidateAllToken, target)
}
