package deletion

import (
	"cascadecore/pkg/domain"
	"context"
)

// TombstoneSink records deleted objects once their deletion has committed.
type TombstoneSink interface {
	Record(ctx context.Context, tombstone domain.Tombstone) error
}

type actorKey struct{}

// WithActor attaches the name of the user requesting deletions to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor set by WithActor.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
