package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/honeynil/split-settlement/internal/infrastructure/redis"
)

type (
	subjectKey struct{}
	roleKey    struct{}
)

// RevokedKey is the redis key marking a token id as revoked.
func RevokedKey(tokenID string) string {
	return "auth:revoked:" + tokenID
}

func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey{}).(string)
	return subject, ok && subject != ""
}

func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RequireRole refuses with 403 requests whose token does not carry role.
// It must run behind AuthMiddleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if RoleFromContext(r.Context()) != role {
				subject, _ := SubjectFromContext(r.Context())
				slog.Warn("role required", "role", role, "subject", subject, "path", r.URL.Path)
				writeJSONError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware accepts bearer tokens signed with jwtSecret. When
// redisClient is set, tokens whose id was revoked are refused.
func AuthMiddleware(redisClient redis.RedisClient, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, "authorization header missing")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeUnauthorized(w, "invalid authorization header")
				return
			}

			claims, err := ValidateToken(jwtSecret, parts[1])
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}

			if redisClient != nil && claims.TokenID != "" {
				revoked, err := redisClient.Exists(r.Context(), RevokedKey(claims.TokenID))
				if err != nil {
					slog.Warn("token revocation check unavailable", "subject", claims.Subject, "error", err)
				} else if revoked {
					slog.Warn("revoked token used", "subject", claims.Subject)
					writeUnauthorized(w, "invalid or revoked token")
					return
				}
			}

			ctx := WithRole(WithSubject(r.Context(), claims.Subject), claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
