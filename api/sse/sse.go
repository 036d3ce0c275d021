// Package sse streams real-time events to clients that cannot hold a
// websocket, plus admin announcements.
package sse

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendhub/cache"
	"github.com/kasuganosora/friendhub/config"
	mw "github.com/kasuganosora/friendhub/middleware"
	"github.com/kasuganosora/friendhub/observability"
	"github.com/kasuganosora/friendhub/realtime"
	"go.uber.org/zap"
)

// AnnounceChannel is the pubsub channel carrying admin announcements.
const AnnounceChannel = "announce"

const keepAlive = 30 * time.Second

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub   cache.PubSub
	c        cache.Cache
	sec      config.SecurityConfig
	registry *realtime.Registry
	buffer   int
	logger   *zap.Logger
}

func NewHandler(pubsub cache.PubSub, c cache.Cache, sec config.SecurityConfig, registry *realtime.Registry, buffer int, logger *zap.Logger) *Handler {
	return &Handler{pubsub: pubsub, c: c, sec: sec, registry: registry, buffer: buffer, logger: logger}
}

// ServeSSE handles GET /sse?token=<jwt>. The stream joins the user's rooms
// like a websocket does and also relays announcements.
func (h *Handler) ServeSSE(c *gin.Context) {
	claims, err := mw.Authenticate(c.Request.Context(), h.sec, h.c, mw.BearerToken(c.Request))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	subCtx, subCancel := context.WithCancel(c.Request.Context())
	defer subCancel()
	msgCh, unsub, err := h.pubsub.Subscribe(subCtx, AnnounceChannel)
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	defer unsub()

	conn := newConn(claims.UserID, h.buffer)
	if err := h.registry.Register(c.Request.Context(), conn); err != nil {
		h.logger.Error("sse register failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	observability.IncActive("sse")
	defer func() {
		conn.Close()
		h.registry.Unregister(conn)
		observability.DecActive("sse")
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	fmt.Fprintf(c.Writer, "event: connected\ndata: {\"conn_id\":%q}\n\n", conn.ID())
	c.Writer.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case pkt := <-conn.queue:
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", pkt.Type, payloadOf(pkt))
			c.Writer.Flush()

		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: announce\ndata: %s\n\n", msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-conn.done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func payloadOf(pkt *realtime.Packet) []byte {
	if len(pkt.Payload) == 0 {
		return []byte("{}")
	}
	return pkt.Payload
}

// Announce publishes message to every SSE subscriber.
func (h *Handler) Announce(ctx context.Context, message string) error {
	return h.pubsub.Publish(ctx, AnnounceChannel, message)
}
