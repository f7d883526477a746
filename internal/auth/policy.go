package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"tuition-service/common/httputil"
	"tuition-service/internal/apperr"
)

// Policy decides whether a caller may run administrative operations.
type Policy interface {
	Authorize(p Principal) error
}

// AdminPolicy grants access to the configured operator username (compared
// case-insensitively) or to any principal holding Role.
type AdminPolicy struct {
	Username string
	Role     string
}

func NewAdminPolicy(username, role string) AdminPolicy {
	return AdminPolicy{Username: username, Role: role}
}

func (a AdminPolicy) Authorize(p Principal) error {
	if a.Username != "" && strings.EqualFold(p.Subject, a.Username) {
		return nil
	}
	if a.Role != "" && p.HasRole(a.Role) {
		return nil
	}
	return fmt.Errorf("%q is not an administrator: %w", p.Subject, apperr.ErrForbidden)
}

// AuthorizeContext applies policy to the principal carried by ctx.
func AuthorizeContext(ctx context.Context, policy Policy) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return fmt.Errorf("no caller identity: %w", apperr.ErrForbidden)
	}
	return policy.Authorize(p)
}

// RequireAdmin rejects requests whose principal fails policy with 403.
func RequireAdmin(policy Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := AuthorizeContext(r.Context(), policy); err != nil {
				logger.WarnContext(r.Context(), "admin access denied", "path", r.URL.Path, "error", err)
				httputil.RespondWithError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
