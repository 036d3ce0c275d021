package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/friendhub/api/rest"
	"github.com/kasuganosora/friendhub/api/sse"
	apows "github.com/kasuganosora/friendhub/api/ws"
	"github.com/kasuganosora/friendhub/audience"
	"github.com/kasuganosora/friendhub/audit"
	"github.com/kasuganosora/friendhub/cache"
	"github.com/kasuganosora/friendhub/config"
	"github.com/kasuganosora/friendhub/content"
	dbadapter "github.com/kasuganosora/friendhub/db"
	"github.com/kasuganosora/friendhub/fanout"
	mw "github.com/kasuganosora/friendhub/middleware"
	"github.com/kasuganosora/friendhub/model"
	"github.com/kasuganosora/friendhub/observability"
	"github.com/kasuganosora/friendhub/presence"
	"github.com/kasuganosora/friendhub/realtime"
	"github.com/kasuganosora/friendhub/scheduler"
	"github.com/kasuganosora/friendhub/social"
	"github.com/kasuganosora/friendhub/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}
	if cfg.Security.JWTSecret == "" {
		logger.Fatal("security.jwt_secret must be set")
	}

	// ---- Tracing ----
	shutdownTracing, err := observability.InitTracing(context.Background(), cfg.Tracing)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))

	// ---- Core services ----
	st := store.NewGormStore(db)
	auditSvc := audit.New(db, logger)
	registry := realtime.NewRegistry(st, logger)
	notifier := fanout.New(
		audience.NewResolver(st),
		realtime.NewDispatcher(registry, logger),
		fanout.Config{Workers: cfg.Realtime.NotifyWorkers, Queue: cfg.Realtime.NotifyQueue},
		logger,
	)
	registry.OnPresence(presence.NewTracker(db, notifier, logger).Changed)

	socialSvc := social.NewService(st, notifier, registry, auditSvc, logger)
	contentSvc := content.NewService(db, st, notifier, logger)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	sched.AddTicker(apirest.ReconcileTask, cfg.Scheduler.ReconcileInterval, func(ctx context.Context) error {
		_, err := socialSvc.Reconcile(ctx)
		return err
	})

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(otelgin.Middleware(observability.ServiceName))
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger), observability.HTTPMetricsMiddleware())
	r.Use(mw.CORS(cfg.Security.AllowedOrigins))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"online_users": registry.OnlineUsers(),
		})
	})
	r.GET("/metrics", mw.IPWhitelist(cfg.Security.MetricsWhitelist), gin.WrapH(promhttp.Handler()))

	// ---- REST API routes ----
	sseH := sse.NewHandler(pubsub, c, cfg.Security, registry, cfg.Realtime.SendBuffer, logger)
	authH := apirest.NewAuthHandler(db, c, cfg.Security, logger)
	handlers := &apirest.Handlers{
		Auth:    authH,
		Users:   apirest.NewUserHandler(db, st, contentSvc, registry),
		Friends: apirest.NewFriendHandler(socialSvc),
		Posts:   apirest.NewPostHandler(contentSvc),
		Admin:   apirest.NewAdminHandler(db, registry, sched, authH, sseH, logger),
	}
	// Anonymous traffic is limited per IP; authenticated traffic also per user.
	ipLimit := mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst)
	userLimit := mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst)
	requireAuth := gin.HandlersChain{mw.Auth(cfg.Security, c), userLimit}
	api := r.Group("/api", ipLimit)
	apirest.Mount(api, handlers, requireAuth, cfg.Server.AdminKey)

	// ---- WebSocket ----
	wsRouter := apows.NewRouter(logger)
	apows.RegisterHandlers(wsRouter, registry)
	wsH := apows.NewHandler(c, cfg.Security, registry, wsRouter, realtime.SessionConfig{
		SendBuffer:   cfg.Realtime.SendBuffer,
		WriteTimeout: cfg.Realtime.WriteTimeout,
		ReadTimeout:  cfg.Realtime.ReadTimeout,
		PingInterval: cfg.Realtime.PingInterval,
	}, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	r.GET("/sse", sseH.ServeSSE)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))

	// Stop intake first, then drain: connections, fan-out queue, audit log, spans.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sched.Stop()
	registry.CloseAll(5 * time.Second)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	notifier.Stop()
	auditSvc.Stop(ctx)
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("bye")
}
