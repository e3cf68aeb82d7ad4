package auth

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	id "unigate/pkg/domain"
	dErrors "unigate/pkg/domain-errors"
	"unigate/pkg/platform/httputil"
	request "unigate/pkg/platform/middleware/request"
	"unigate/pkg/requestcontext"
)

// TokenValidator verifies a bearer session token and returns the caller it names.
type TokenValidator interface {
	ValidateToken(token string) (requestcontext.AuthenticatedPrincipal, error)
}

// RequireAuth authenticates the bearer token and stores the principal in the
// request context. Expired tokens are reported with the expired marker.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := request.GetRequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			principal, err := validator.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				if _, typed := dErrors.As(err); !typed {
					err = dErrors.New(dErrors.CodeUnauthorized, "invalid token")
				}
				httputil.WriteError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithPrincipal(ctx, principal)))
		})
	}
}

// RequireRole admits only fully registered principals holding one of roles.
// Must run after RequireAuth.
func RequireRole(logger *slog.Logger, roles ...id.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			principal := requestcontext.Principal(ctx)
			if principal.ID.IsNil() {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
				return
			}
			if !slices.Contains(roles, principal.Role) {
				logger.WarnContext(ctx, "forbidden - role not permitted",
					"role", principal.Role,
					"principal_id", principal.ID,
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "insufficient role"))
				return
			}
			if principal.RequiresRegistration {
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "registration must be completed first"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
