package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
)

type principalKeyType struct{}

var principalKey = principalKeyType{}

// PrincipalFromContext возвращает пользователя, установленного AuthMiddleware
func PrincipalFromContext(ctx context.Context) (*interfaces.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*interfaces.Principal)
	return p, ok
}

// BearerToken извлекает токен из заголовка Authorization
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware проверяет токен пользователя и кладет его данные в контекст
func AuthMiddleware(authPort interfaces.AuthPort, logger interfaces.LoggerPort) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				http.Error(w, "Authorization header is required", http.StatusUnauthorized)
				return
			}

			principal, err := authPort.Authenticate(r.Context(), token)
			if err != nil {
				logger.WarnWithContext(r.Context(), "Невалидный токен пользователя",
					interfaces.LogField{Key: "error", Value: err.Error()})
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			ctx = context.WithValue(ctx, interfaces.UserIDKey, principal.UserID)
			if principal.TenantID != "" {
				ctx = interfaces.WithTenantID(ctx, principal.TenantID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAnyRole пропускает запрос, если у пользователя есть хотя бы одна роль из списка
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			for _, role := range roles {
				if principal.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}

			http.Error(w, "Forbidden", http.StatusForbidden)
		})
	}
}
