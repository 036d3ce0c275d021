package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apirest "github.com/kasuganosora/friendhub/api/rest"
	"github.com/kasuganosora/friendhub/api/sse"
	apows "github.com/kasuganosora/friendhub/api/ws"
	"github.com/kasuganosora/friendhub/audience"
	"github.com/kasuganosora/friendhub/audit"
	"github.com/kasuganosora/friendhub/cache"
	"github.com/kasuganosora/friendhub/config"
	"github.com/kasuganosora/friendhub/content"
	"github.com/kasuganosora/friendhub/fanout"
	mw "github.com/kasuganosora/friendhub/middleware"
	"github.com/kasuganosora/friendhub/observability"
	"github.com/kasuganosora/friendhub/presence"
	"github.com/kasuganosora/friendhub/realtime"
	"github.com/kasuganosora/friendhub/scheduler"
	"github.com/kasuganosora/friendhub/social"
	"github.com/kasuganosora/friendhub/store"
	"github.com/kasuganosora/friendhub/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const adminKey = "integration-admin-key"

// TestServer wraps a real HTTP server with every subsystem wired together.
type TestServer struct {
	DB       *gorm.DB
	Cache    cache.Cache
	PubSub   cache.PubSub
	Registry *realtime.Registry
	Social   *social.Service
	Sched    *scheduler.Scheduler
	Server   *httptest.Server
	URL      string // http://127.0.0.1:<port>
	WSURL    string // ws://127.0.0.1:<port>/ws
	Sec      config.SecurityConfig

	notifier *fanout.Notifier
	audit    *audit.Service
}

// NewTestServer creates a fully wired server for integration testing.
// It mirrors the dependency wiring in main.go.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// ---- Infrastructure ----
	db := testutil.SetupTestDB(t)
	c, pubsub := testutil.SetupTestCache(t)
	logger := zap.NewNop()

	sec := config.SecurityConfig{
		JWTSecret:      "integration-test-secret",
		JWTTTLH:        72 * time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 2000,
		AllowedOrigins: []string{},
	}

	// ---- Core services ----
	st := store.NewGormStore(db)
	auditSvc := audit.New(db, logger)
	registry := realtime.NewRegistry(st, logger)
	notifier := fanout.New(
		audience.NewResolver(st),
		realtime.NewDispatcher(registry, logger),
		fanout.Config{Workers: 2, Queue: 256},
		logger,
	)
	registry.OnPresence(presence.NewTracker(db, notifier, logger).Changed)

	socialSvc := social.NewService(st, notifier, registry, auditSvc, logger)
	contentSvc := content.NewService(db, st, notifier, logger)

	sched := scheduler.New(logger)
	sched.AddTicker(apirest.ReconcileTask, time.Hour, func(ctx context.Context) error {
		_, err := socialSvc.Reconcile(ctx)
		return err
	})

	// ---- HTTP ----
	r := gin.New()
	r.Use(otelgin.Middleware(observability.ServiceName))
	r.Use(mw.TraceID(), mw.Recovery(logger))
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "online_users": registry.OnlineUsers()})
	})

	sseH := sse.NewHandler(pubsub, c, sec, registry, 64, logger)
	authH := apirest.NewAuthHandler(db, c, sec, logger)
	handlers := &apirest.Handlers{
		Auth:    authH,
		Users:   apirest.NewUserHandler(db, st, contentSvc, registry),
		Friends: apirest.NewFriendHandler(socialSvc),
		Posts:   apirest.NewPostHandler(contentSvc),
		Admin:   apirest.NewAdminHandler(db, registry, sched, authH, sseH, logger),
	}
	limit := mw.RateLimit(rate.Limit(sec.RateLimitRPS), sec.RateLimitBurst)
	api := r.Group("/api", limit)
	apirest.Mount(api, handlers, gin.HandlersChain{mw.Auth(sec, c)}, adminKey)

	wsRouter := apows.NewRouter(logger)
	apows.RegisterHandlers(wsRouter, registry)
	wsH := apows.NewHandler(c, sec, registry, wsRouter, realtime.SessionConfig{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  30 * time.Second,
		PingInterval: 10 * time.Second,
	}, logger)
	r.GET("/ws", wsH.ServeWS)
	r.GET("/sse", sseH.ServeSSE)

	server := httptest.NewServer(r)
	ts := &TestServer{
		DB:       db,
		Cache:    c,
		PubSub:   pubsub,
		Registry: registry,
		Social:   socialSvc,
		Sched:    sched,
		Server:   server,
		URL:      server.URL,
		WSURL:    "ws" + server.URL[len("http"):] + "/ws",
		Sec:      sec,
		notifier: notifier,
		audit:    auditSvc,
	}
	t.Cleanup(ts.Close)
	return ts
}

// Close shuts everything down in the same order main does. Safe to call twice.
func (ts *TestServer) Close() {
	ts.Sched.Stop()
	ts.Registry.CloseAll(time.Second)
	ts.Server.Close()
	ts.notifier.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ts.audit.Stop(ctx)
}

// --- HTTP helpers ---

// Do sends a request with an optional JSON body and Bearer token.
func (ts *TestServer) Do(t *testing.T, method, path string, body interface{}, token string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// Expect sends a request, asserts the status and decodes the body into out.
func (ts *TestServer) Expect(t *testing.T, status int, method, path string, body interface{}, token string, out interface{}) {
	t.Helper()
	resp := ts.Do(t, method, path, body, token)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, status, resp.StatusCode, "%s %s: %s", method, path, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out), "body: %s", string(data))
	}
}

// Register creates an account and returns its token and user id.
func (ts *TestServer) Register(t *testing.T, username string) (string, int64) {
	t.Helper()
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	ts.Expect(t, http.StatusCreated, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"password": "secret123",
	}, "", &out)
	require.NotEmpty(t, out.Token)
	return out.Token, out.User.ID
}

// --- WebSocket client ---

// WSClient reads in a dedicated goroutine so a receive timeout never
// poisons the underlying connection.
type WSClient struct {
	Conn   *websocket.Conn
	t      *testing.T
	seq    uint64
	readCh chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// Packet is a decoded server frame.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into out.
func (p Packet) Decode(t *testing.T, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(p.Payload, out), "payload: %s", string(p.Payload))
}

// ConnectWS dials /ws with token and waits for the connected greeting.
func (ts *TestServer) ConnectWS(t *testing.T, token string) *WSClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.WSURL+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "ws dial")
	wc := &WSClient{Conn: conn, t: t, readCh: make(chan readResult, 256)}
	go wc.readLoop()
	t.Cleanup(wc.Close)
	wc.RecvType("connected", 5*time.Second)
	return wc
}

func (wc *WSClient) readLoop() {
	for {
		_, data, err := wc.Conn.ReadMessage()
		wc.readCh <- readResult{data, err}
		if err != nil {
			return
		}
	}
}

// Send writes one packet with the next sequence number.
func (wc *WSClient) Send(msgType string, payload interface{}) {
	wc.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(wc.t, err)
	data, err := json.Marshal(Packet{
		Seq:     atomic.AddUint64(&wc.seq, 1),
		Type:    msgType,
		Payload: raw,
	})
	require.NoError(wc.t, err)
	require.NoError(wc.t, wc.Conn.WriteMessage(websocket.TextMessage, data))
}

// RecvType reads until a packet of msgType arrives, skipping others.
func (wc *WSClient) RecvType(msgType string, timeout time.Duration) Packet {
	wc.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case res := <-wc.readCh:
			require.NoError(wc.t, res.err, "ws read while waiting for %q", msgType)
			var pkt Packet
			require.NoError(wc.t, json.Unmarshal(res.data, &pkt))
			if pkt.Type == msgType {
				return pkt
			}
		case <-deadline:
			wc.t.Fatalf("timed out waiting for %q", msgType)
			return Packet{}
		}
	}
}

// ExpectNone fails if a packet of msgType arrives within wait.
func (wc *WSClient) ExpectNone(msgType string, wait time.Duration) {
	wc.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case res := <-wc.readCh:
			if res.err != nil {
				return
			}
			var pkt Packet
			if json.Unmarshal(res.data, &pkt) == nil && pkt.Type == msgType {
				wc.t.Fatalf("unexpected %q packet: %s", msgType, string(pkt.Payload))
			}
		case <-deadline:
			return
		}
	}
}

func (wc *WSClient) Close() {
	_ = wc.Conn.Close()
}

var testCounter uint64

// UniqueID returns a short alphanumeric name that is unique within the run.
func UniqueID(prefix string) string {
	n := atomic.AddUint64(&testCounter, 1)
	return fmt.Sprintf("%s%d", prefix, n)
}
