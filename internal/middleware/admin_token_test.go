package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminHandler(t *testing.T) http.Handler {
	t.Helper()
	mw, err := AdminTokenMiddleware(AdminTokenConfig{Token: " secret-token "})
	require.NoError(t, err)
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestAdminTokenMiddleware_RequiresToken(t *testing.T) {
	_, err := AdminTokenMiddleware(AdminTokenConfig{Token: "  "})
	assert.Error(t, err)
}

func TestAdminTokenMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong token", AdminTokenHeader, "guess", http.StatusUnauthorized},
		{"admin header", AdminTokenHeader, "secret-token", http.StatusNoContent},
		{"bearer", "Authorization", "Bearer secret-token", http.StatusNoContent},
		{"bearer wrong", "Authorization", "Bearer secret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/catalog/invalidate", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			adminHandler(t).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
				assert.JSONEq(t, `{"error":{"kind":"UNAUTHORIZED","message":"admin token missing or invalid"}}`, rec.Body.String())
			}
		})
	}
}
