package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/authz-sidecar/internal/domain"
)

// TokenVerifier: то, что нужно middleware от Verifier.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (domain.Claims, error)
}

type ctxKey struct{}

// ClaimsFromContext достает claims, положенные middleware.
func ClaimsFromContext(ctx context.Context) (domain.Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(domain.Claims)
	return c, ok
}

// WithClaims кладет claims в контекст (для тестов обработчиков и внутренних вызовов).
func WithClaims(ctx context.Context, c domain.Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// NewMiddleware защищает Console API: без валидного bearer-токена: 401.
func NewMiddleware(v TokenVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			scheme, token, found := strings.Cut(authHeader, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.Verify(r.Context(), token)
			if err != nil {
				logger.Warn("auth failure", zap.String("kind", Kind(err)), zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole пропускает только владельцев роли из claim "roles".
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			roles, _ := claims.Strings("roles")
			for _, have := range roles {
				if have == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}
