// Package auditctx carries the acting user through the context so service
// layers can attribute security events without threading request data.
package auditctx

import "context"

// Actor identifies who issued the current request and from where.
type Actor struct {
	UserID    string
	Username  string
	IPAddress string
	UserAgent string
}

type actorKey struct{}

// WithActor stores the actor on the context. A nil ctx starts from
// context.Background rather than panicking.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey{}, actor)
}

// FromContext returns the actor placed by WithActor, if any.
func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
