package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/stillwater-app/journal-server-go/internal/model"
	"github.com/stillwater-app/journal-server-go/internal/repository"
)

type contextKey string

const (
	UserContextKey     contextKey = "user"
	PlatformContextKey contextKey = "platform"
)

// PlatformHeader carries the client platform tag on every request; device
// keys are only usable from the platform they were issued for.
const PlatformHeader = "X-Client-Platform"

func GetUser(ctx context.Context) *model.User {
	if user, ok := ctx.Value(UserContextKey).(*model.User); ok {
		return user
	}
	return nil
}

func GetPlatform(ctx context.Context) model.Platform {
	if platform, ok := ctx.Value(PlatformContextKey).(model.Platform); ok {
		return platform
	}
	return ""
}

type authClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
}

// AuthMiddleware verifies bearer tokens issued by the external session
// service and resolves the user. Every failure gets the same response;
// which check failed is never disclosed.
type AuthMiddleware struct {
	userRepo repository.UserRepository
	secret   []byte
}

func NewAuthMiddleware(userRepo repository.UserRepository, secret string) *AuthMiddleware {
	return &AuthMiddleware{userRepo: userRepo, secret: []byte(secret)}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeUnauthorized(w)
			return
		}

		claims := &authClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.secret, nil
		})
		if err != nil || !parsed.Valid || claims.UserID == "" {
			log.Warn().Msg("auth middleware: invalid token attempt")
			writeUnauthorized(w)
			return
		}

		user, err := m.userRepo.FindByID(r.Context(), claims.UserID)
		if err != nil {
			log.Error().Err(err).Msg("auth middleware: database error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Authentication failed",
			})
			return
		}
		if user == nil {
			writeUnauthorized(w)
			return
		}

		platform := model.Platform(r.Header.Get(PlatformHeader))
		if !platform.Valid() {
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		ctx = context.WithValue(ctx, PlatformContextKey, platform)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": "Unauthorized",
	})
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
