package middleware

import (
	"log/slog"
	"net/http"

	"parlor/internal/auth"
	"parlor/internal/httputil"
)

// Auth verifies the bearer token and puts the user id on the request context.
// Requests without a valid token get a 401 envelope.
func Auth(verifier auth.JWTVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := httputil.BearerToken(r)
			if token == "" {
				httputil.RespondError(w, http.StatusUnauthorized, httputil.CodeUnauthorized, "missing bearer token")
				return
			}

			claims, err := verifier.VerifyToken(token)
			if err != nil {
				logger.Debug("rejected token",
					"path", r.URL.Path,
					"request_id", httputil.GetRequestID(r),
					"error", err,
				)
				httputil.RespondError(w, http.StatusUnauthorized, httputil.CodeUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, httputil.WithUserID(r, claims.GetUserID()))
		})
	}
}
