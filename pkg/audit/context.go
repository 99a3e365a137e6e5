package audit

import (
	"context"

	"github.com/google/uuid"
)

type actorKey struct{}

// Actor identifies who is behind a request. The session layer attaches it to
// the request context; audit writers read it back when an event does not
// name its own actor.
type Actor struct {
	UserID     *uuid.UUID
	ExternalID string
	ClientIP   string
	UserAgent  string
}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor attached by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
