package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"tuition-service/common/httputil"
)

// Authenticate validates the bearer token and adds the principal to the
// request context.
func Authenticate(tokens *TokenManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				logger.WarnContext(r.Context(), "no bearer token", "path", r.URL.Path)
				httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			principal, err := tokens.Parse(strings.TrimSpace(token))
			if err != nil {
				logger.WarnContext(r.Context(), "invalid token", "error", err)
				httputil.RespondWithError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
