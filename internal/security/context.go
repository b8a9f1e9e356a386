package security

import (
	"context"

	"github.com/example/memberauth/internal/member"
)

type principalKey struct{}

// WithPrincipal marks ctx as authenticated by p.
func WithPrincipal(ctx context.Context, p member.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom reports the principal of an authenticated request.
func PrincipalFrom(ctx context.Context) (member.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(member.Principal)
	return p, ok
}
