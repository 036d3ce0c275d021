package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendhub/api/rest"
	"github.com/kasuganosora/friendhub/api/sse"
	"github.com/kasuganosora/friendhub/audience"
	"github.com/kasuganosora/friendhub/audit"
	"github.com/kasuganosora/friendhub/cache"
	"github.com/kasuganosora/friendhub/config"
	"github.com/kasuganosora/friendhub/content"
	"github.com/kasuganosora/friendhub/fanout"
	mw "github.com/kasuganosora/friendhub/middleware"
	"github.com/kasuganosora/friendhub/realtime"
	"github.com/kasuganosora/friendhub/scheduler"
	"github.com/kasuganosora/friendhub/social"
	"github.com/kasuganosora/friendhub/store"
	"github.com/kasuganosora/friendhub/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAdminKey = "admin-secret"

type env struct {
	t      *testing.T
	r      *gin.Engine
	db     *gorm.DB
	cache  cache.Cache
	pubsub cache.PubSub
	reg    *realtime.Registry
	sched  *scheduler.Scheduler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)
	logger := zap.NewNop()
	sec := config.SecurityConfig{JWTSecret: "test-secret", JWTTTLH: 72 * time.Hour}

	st := store.NewGormStore(db)
	reg := realtime.NewRegistry(st, logger)
	notifier := fanout.New(audience.NewResolver(st), realtime.NewDispatcher(reg, logger), fanout.Config{Workers: 1}, logger)
	auditSvc := audit.New(db, logger)
	sched := scheduler.New(logger)
	t.Cleanup(func() {
		sched.Stop()
		notifier.Stop()
		auditSvc.Stop(context.Background())
	})

	socialSvc := social.NewService(st, notifier, reg, auditSvc, logger)
	contentSvc := content.NewService(db, st, notifier, logger)
	sched.AddTicker(rest.ReconcileTask, time.Hour, func(ctx context.Context) error {
		_, err := socialSvc.Reconcile(ctx)
		return err
	})

	authH := rest.NewAuthHandler(db, c, sec, logger)
	hs := &rest.Handlers{
		Auth:    authH,
		Users:   rest.NewUserHandler(db, st, contentSvc, reg),
		Friends: rest.NewFriendHandler(socialSvc),
		Posts:   rest.NewPostHandler(contentSvc),
		Admin: rest.NewAdminHandler(db, reg, sched, authH,
			sse.NewHandler(ps, c, sec, reg, 8, logger), logger),
	}
	r := gin.New()
	r.Use(mw.TraceID(), mw.Recovery(logger))
	rest.Mount(r.Group("/api"), hs, gin.HandlersChain{mw.Auth(sec, c)}, testAdminKey)

	return &env{t: t, r: r, db: db, cache: c, pubsub: ps, reg: reg, sched: sched}
}

// do sends a JSON request; headers are name/value pairs.
func (e *env) do(method, path, token string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

type account struct {
	ID    int64
	Token string
}

// register creates a user through the API and returns its id and token.
func (e *env) register(username string) account {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username,
		"password": "secret123",
	})
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return account{ID: resp.User.ID, Token: resp.Token}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}
