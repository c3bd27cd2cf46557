package api

import (
	"context"
	"errors"

	forgesync "github.com/hyperengineering/forge/internal/sync"
)

type principalContextKey struct{}

// ErrNoPrincipalInContext indicates the request was not authenticated.
var ErrNoPrincipalInContext = errors.New("no principal in context")

// WithPrincipal returns a new context carrying the acting principal.
func WithPrincipal(ctx context.Context, p forgesync.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the acting principal.
// Returns ErrNoPrincipalInContext if absent or anonymous.
func PrincipalFromContext(ctx context.Context) (forgesync.Principal, error) {
	p, ok := ctx.Value(principalContextKey{}).(forgesync.Principal)
	if !ok || p.ID == "" {
		return forgesync.Principal{}, ErrNoPrincipalInContext
	}
	return p, nil
}
