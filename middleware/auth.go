package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendhub/cache"
	"github.com/kasuganosora/friendhub/config"
)

const (
	UserIDKey = "user_id"
	TokenKey  = "token"
)

var ErrUnauthorized = errors.New("unauthorized")

// SessionKey is the cache key marking token as a live login.
func SessionKey(token string) string { return "session:" + token }

// UserSessionsKey is the cache set of live tokens owned by userID.
func UserSessionsKey(userID int64) string { return "user_sessions:" + strconv.FormatInt(userID, 10) }

// BearerToken extracts the token from the Authorization header, falling
// back to the token query parameter for EventSource and WebSocket clients.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Authenticate checks the JWT signature and that its session has not been
// revoked. Shared by the REST, SSE and WebSocket entry points.
func Authenticate(ctx context.Context, sec config.SecurityConfig, c cache.Cache, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims, err := ParseToken(token, sec.JWTSecret)
	if err != nil {
		return nil, ErrUnauthorized
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	exists, err := c.Exists(cacheCtx, SessionKey(token))
	if err != nil || !exists {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// Auth validates the bearer token and stores the user id in the Gin context.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := BearerToken(ctx.Request)
		if token == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := Authenticate(ctx.Request.Context(), sec, c, token)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		ctx.Set(UserIDKey, claims.UserID)
		ctx.Set(TokenKey, token)
		ctx.Next()
	}
}

// GetUserID returns the authenticated user id, or 0.
func GetUserID(c *gin.Context) int64 {
	if v, exists := c.Get(UserIDKey); exists {
		return v.(int64)
	}
	return 0
}

// GetToken returns the raw bearer token of the request.
func GetToken(c *gin.Context) string {
	return c.GetString(TokenKey)
}
