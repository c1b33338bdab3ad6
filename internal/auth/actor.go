// Package auth carries the authenticated principal through the request
// lifecycle. Authentication itself happens upstream; this package only models
// what the gateway asserts about the caller.
package auth

import "context"

// Actor describes the authenticated caller acting on a purchase order.
type Actor struct {
	ID          int64
	Role        string
	Permissions map[string]struct{}
}

// HasPermission reports whether the actor holds the given access string.
func (a Actor) HasPermission(access string) bool {
	_, ok := a.Permissions[access]
	return ok
}

// NewActor builds an Actor from a role and a list of access strings.
func NewActor(id int64, role string, access []string) Actor {
	perms := make(map[string]struct{}, len(access))
	for _, p := range access {
		if p == "" {
			continue
		}
		perms[p] = struct{}{}
	}
	return Actor{ID: id, Role: role, Permissions: perms}
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
