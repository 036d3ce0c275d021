package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendhub/cache"
	"github.com/kasuganosora/friendhub/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSec = config.SecurityConfig{JWTSecret: "secret", JWTTTLH: time.Hour}

func setupTestCache(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewCache(cache.CacheConfig{})
	require.NoError(t, err)
	return c
}

func login(t *testing.T, c cache.Cache, userID int64) string {
	t.Helper()
	token, err := GenerateToken(userID, "u", testSec.JWTSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), SessionKey(token), "1", time.Hour))
	return token
}

func newProtectedRouter(c cache.Cache, got *int64) *gin.Engine {
	r := gin.New()
	r.Use(Auth(testSec, c))
	r.GET("/protected", func(ctx *gin.Context) {
		if got != nil {
			*got = GetUserID(ctx)
		}
		ctx.Status(http.StatusOK)
	})
	return r
}

func TestAuth_Rejects(t *testing.T) {
	c := setupTestCache(t)
	r := newProtectedRouter(c, nil)

	// signed but never logged in
	orphan, err := GenerateToken(42, "u", testSec.JWTSecret, time.Hour)
	require.NoError(t, err)

	cases := map[string]string{
		"missing":   "",
		"no bearer": "Token abc123",
		"garbage":   "Bearer notavalidtoken",
		"revoked":   "Bearer " + orphan,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestAuth_SetsUserID(t *testing.T) {
	c := setupTestCache(t)
	var got int64
	r := newProtectedRouter(c, &got)
	token := login(t, c, 42)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(42), got)
}

func TestAuth_QueryToken(t *testing.T) {
	c := setupTestCache(t)
	var got int64
	r := newProtectedRouter(c, &got)
	token := login(t, c, 7)

	req := httptest.NewRequest(http.MethodGet, "/protected?token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(7), got)
}

func TestAuth_AfterLogout(t *testing.T) {
	c := setupTestCache(t)
	r := newProtectedRouter(c, nil)
	token := login(t, c, 42)
	require.NoError(t, c.Del(context.Background(), SessionKey(token)))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetUserID_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, int64(0), GetUserID(c))
}

func TestUserSessionsKey(t *testing.T) {
	assert.Equal(t, "user_sessions:12", UserSessionsKey(12))
}

func TestRecovery_CatchesPanic(t *testing.T) {
	r := gin.New()
	r.Use(TraceID())
	r.Use(Recovery(zap.NewNop()))
	r.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), w.Header().Get(TraceIDHeader))
}

func TestLogger_PassesThrough(t *testing.T) {
	r := gin.New()
	r.Use(TraceID())
	r.Use(Logger(zap.NewNop()))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
