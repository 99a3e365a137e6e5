package tenantclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// invalidateAllToken in place of an organization id means every tenant.
const invalidateAllToken = "*"

// Invalidator drops cached clients. *ClientFactory and *BroadcastInvalidator
// satisfy it.
type Invalidator interface {
	Invalidate(orgID uuid.UUID)
	InvalidateAll()
}

var (
	_ Invalidator = (*ClientFactory)(nil)
	_ Invalidator = (*BroadcastInvalidator)(nil)
)

// BroadcastInvalidator invalidates the local factory and then tells every
// other replica over Redis pub/sub. The local invalidation always completes
// first; a failed publish is logged, never returned.
type BroadcastInvalidator struct {
	local    Invalidator
	client   *redis.Client
	channel  string
	instance string
	logger   *zap.Logger
}

// NewBroadcastInvalidator publishes on channel. instance identifies this
// process so its own messages are ignored by its subscriber.
func NewBroadcastInvalidator(local Invalidator, client *redis.Client, channel, instance string, logger *zap.Logger) *BroadcastInvalidator {
	return &BroadcastInvalidator{
		local:    local,
		client:   client,
		channel:  channel,
		instance: instance,
		logger:   logger.Named("invalidation"),
	}
}

func (b *BroadcastInvalidator) Invalidate(orgID uuid.UUID) {
	b.local.Invalidate(orgID)
	b.publish(orgID.String())
}

func (b *BroadcastInvalidator) InvalidateAll() {
	b.local.InvalidateAll()
	b.publish(invalidateAllToken)
}

func (b *BroadcastInvalidator) publish(target string) {
	// Invalidation has no caller context; keep publish independent of request lifetimes.
	err := b.client.Publish(context.Background(), b.channel, encodeInvalidation(b.instance, target)).Err()
	if err != nil {
		b.logger.Error("Failed to publish cache invalidation",
			zap.String("target", target),
			zap.Error(err),
		)
		return
	}
	b.logger.Debug("Published cache invalidation", zap.String("target", target))
}

// Subscriber applies invalidations published by other replicas to the local
// factory.
type Subscriber struct {
	local    Invalidator
	client   *redis.Client
	channel  string
	instance string
	logger   *zap.Logger
}

// NewSubscriber listens on channel, skipping messages published by instance.
func NewSubscriber(local Invalidator, client *redis.Client, channel, instance string, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		local:    local,
		client:   client,
		channel:  channel,
		instance: instance,
		logger:   logger.Named("invalidation"),
	}
}

// Run subscribes and applies messages until ctx is cancelled. A non-nil
// ready is closed once the subscription is confirmed.
func (s *Subscriber) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	s.logger.Info("Listening for cache invalidations", zap.String("channel", s.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.apply(msg.Payload)
		}
	}
}

func (s *Subscriber) apply(payload string) {
	from, target, ok := decodeInvalidation(payload)
	if !ok {
		s.logger.Warn("Ignoring malformed invalidation message", zap.String("payload", payload))
		return
	}
	if from == s.instance {
		return
	}

	if target == invalidateAllToken {
		s.local.InvalidateAll()
		return
	}
	orgID, err := uuid.Parse(target)
	if err != nil {
		s.logger.Warn("Ignoring invalidation for invalid organization id", zap.String("target", target))
		return
	}
	s.local.Invalidate(orgID)
}

func encodeInvalidation(instance, target string) string {
	return instance + "|" + target
}

func decodeInvalidation(payload string) (instance, target string, ok bool) {
	instance, target, ok = strings.Cut(payload, "|")
	if !ok || target == "" {
		return "", "", false
	}
	return instance, target, true
}
