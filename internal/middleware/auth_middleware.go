package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/paybychance/paybychance/internal/service"
	"github.com/sirupsen/logrus"
)

type contextKey string

const claimsKey contextKey = "claims"

// RefreshCookieName holds the refresh token. It doubles as the session
// cookie of the Context Proxy endpoints.
const RefreshCookieName = "pbc_refresh"

// ClaimsFromContext returns the claims stored by RequireAuth or
// RequireSession.
func ClaimsFromContext(ctx context.Context) (*service.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*service.Claims)
	return claims, ok
}

type AuthMiddleware struct {
	jwtService *service.JWTService
	refresh    service.RefreshStore
	logger     *logrus.Logger
}

func NewAuthMiddleware(jwtService *service.JWTService, refresh service.RefreshStore, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		refresh:    refresh,
		logger:     logger,
	}
}

// RequireAuth accepts requests carrying a valid access token in the
// Authorization header.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondUnauthorized(w, "UNAUTHORIZED", "Missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondUnauthorized(w, "UNAUTHORIZED", "Invalid authorization header format")
			return
		}

		claims, err := m.jwtService.VerifyToken(parts[1], service.TokenTypeAccess)
		if err != nil {
			m.logger.WithError(err).Debug("Token verification failed")
			respondUnauthorized(w, "UNAUTHORIZED", "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession accepts requests carrying a live, unrevoked refresh cookie.
func (m *AuthMiddleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(RefreshCookieName)
		if err != nil || cookie.Value == "" {
			respondUnauthorized(w, "NO_SESSION", "Missing session cookie")
			return
		}

		claims, err := m.jwtService.VerifyToken(cookie.Value, service.TokenTypeRefresh)
		if err != nil {
			m.logger.WithError(err).Debug("Session cookie verification failed")
			respondUnauthorized(w, "NO_SESSION", "Invalid or expired session")
			return
		}
		data, err := m.refresh.Get(r.Context(), claims.ID)
		if err != nil || data.Revoked {
			respondUnauthorized(w, "NO_SESSION", "Session has ended")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func respondUnauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}
