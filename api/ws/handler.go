package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/friendhub/cache"
	"github.com/kasuganosora/friendhub/config"
	mw "github.com/kasuganosora/friendhub/middleware"
	"github.com/kasuganosora/friendhub/observability"
	"github.com/kasuganosora/friendhub/realtime"
	"go.uber.org/zap"
)

// Handler is the Gin handler for GET /ws.
type Handler struct {
	cache    cache.Cache
	sec      config.SecurityConfig
	registry *realtime.Registry
	router   *Router
	sessCfg  realtime.SessionConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket Handler. sec.AllowedOrigins controls which
// origins may connect; an empty list permits all (development only).
func NewHandler(
	c cache.Cache,
	sec config.SecurityConfig,
	registry *realtime.Registry,
	router *Router,
	sessCfg realtime.SessionConfig,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		cache:    c,
		sec:      sec,
		registry: registry,
		router:   router,
		sessCfg:  sessCfg,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     OriginChecker(sec.AllowedOrigins),
	}
	return h
}

// OriginChecker accepts requests whose Origin is in allowed, or any origin
// when allowed is empty.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		return set[r.Header.Get("Origin")]
	}
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	claims, err := mw.Authenticate(c.Request.Context(), h.sec, h.cache, mw.BearerToken(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	sess := realtime.NewSession(claims.UserID, conn, h.sessCfg, h.logger)
	if err := h.registry.Register(c.Request.Context(), sess); err != nil {
		h.logger.Error("ws register failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		sess.Close()
		return
	}
	observability.IncActive("ws")
	h.logger.Info("ws connected",
		zap.Int64("user_id", claims.UserID),
		zap.String("conn_id", sess.ID()),
		zap.String("trace_id", mw.GetTraceID(c)))

	if hello, err := realtime.NewPacket("connected", map[string]interface{}{
		"user_id": claims.UserID,
		"conn_id": sess.ID(),
	}); err == nil {
		sess.Send(hello)
	}

	// Blocks until the client goes away or the session is closed.
	err = sess.ReadLoop(func(raw []byte) { h.router.Dispatch(sess, raw) })
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseNormalClosure,
		websocket.CloseNoStatusReceived) {
		h.logger.Warn("ws unexpected close", zap.Int64("user_id", claims.UserID), zap.Error(err))
	}
	h.disconnect(sess)
}

func (h *Handler) disconnect(s *realtime.Session) {
	s.Close()
	last := h.registry.Unregister(s)
	observability.DecActive("ws")
	h.logger.Info("ws disconnected",
		zap.Int64("user_id", s.UserID()),
		zap.String("conn_id", s.ID()),
		zap.Bool("last", last))
}
