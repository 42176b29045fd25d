// Package auth verifies bearer tokens and carries the resulting principal
// through request contexts.
package auth

import "context"

// Principal is the authenticated caller.
type Principal struct {
	UserID  int64
	IsAdmin bool
}

// CanAccess reports whether the principal may act on a resource owned by
// ownerID. Admins may act on everything.
func (p Principal) CanAccess(ownerID *int64) bool {
	if p.IsAdmin {
		return true
	}
	return ownerID != nil && *ownerID == p.UserID
}

// System is used for transitions driven by the payment processor.
var System = Principal{IsAdmin: true}

type principalContextKey struct{}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}
