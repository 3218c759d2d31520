package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestMiddleware(t *testing.T) {
	v := NewVerifier(Options{HMACKey: hmacKey, Now: clock})

	var seenSub string
	protected := NewMiddleware(v, zaptest.NewLogger(t))(
		RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := ClaimsFromContext(r.Context())
			seenSub = claims.Subject()
			w.WriteHeader(http.StatusNoContent)
		})),
	)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"missing role", "Bearer " + signHS(t, jwt.MapClaims{"sub": "bob", "roles": []string{"read"}}), http.StatusForbidden},
		{"admin", "Bearer " + signHS(t, jwt.MapClaims{"sub": "root", "roles": []string{"admin"}}), http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/policies", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			protected.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "root", seenSub)
}
