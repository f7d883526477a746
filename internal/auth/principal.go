package auth

import (
	"context"
	"strings"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole compares role names case-insensitively.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the caller from ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
