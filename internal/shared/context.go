package shared

import "context"

// Actor describes the authenticated user attached to a request by the hosting
// application's authentication layer. Roles carries the names of every role
// the user currently holds.
type Actor struct {
	UserID int64
	Email  string
	Roles  []string
}

// HasRole reports whether the actor holds the named role.
func (a *Actor) HasRole(name string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == name {
			return true
		}
	}
	return false
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. Returns nil for
// unauthenticated requests.
func ActorFromContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorContextKey{}).(*Actor)
	return actor
}
