package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"parlor/internal/httputil"
)

const headerRequestID = "X-Request-Id"

// RequestID propagates the caller's X-Request-Id, or assigns one
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := strings.TrimSpace(r.Header.Get(headerRequestID))
			if reqID == "" {
				reqID = uuid.New().String()
			}
			w.Header().Set(headerRequestID, reqID)
			next.ServeHTTP(w, httputil.WithRequestID(r, reqID))
		})
	}
}
