package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"metaquery/internal/logging"
)

// AdminTokenHeader carries the shared secret for admin endpoints.
const AdminTokenHeader = "X-Admin-Token"

// AdminTokenConfig controls shared-token authentication for admin endpoints.
type AdminTokenConfig struct {
	Token      string
	HeaderName string
}

// AdminTokenMiddleware rejects requests whose admin header does not match the token.
// A bearer Authorization header is accepted as well.
func AdminTokenMiddleware(cfg AdminTokenConfig) (func(http.Handler) http.Handler, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("admin auth token is required")
	}
	headerName := strings.TrimSpace(cfg.HeaderName)
	if headerName == "" {
		headerName = AdminTokenHeader
	}
	expected := sha256.Sum256([]byte(token))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get(headerName))
			if provided == "" {
				provided = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			digest := sha256.Sum256([]byte(provided))
			if provided == "" || subtle.ConstantTimeCompare(digest[:], expected[:]) != 1 {
				logging.FromContext(r.Context()).Warn("admin request rejected",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin token missing or invalid")
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}
