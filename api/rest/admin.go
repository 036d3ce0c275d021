package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendhub/model"
	"github.com/kasuganosora/friendhub/realtime"
	"github.com/kasuganosora/friendhub/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Announcer broadcasts an admin announcement to subscribed streams.
type Announcer interface {
	Announce(ctx context.Context, message string) error
}

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db       *gorm.DB
	registry *realtime.Registry
	sched    *scheduler.Scheduler
	auth     *AuthHandler
	announce Announcer
	logger   *zap.Logger
}

func NewAdminHandler(
	db *gorm.DB,
	registry *realtime.Registry,
	sched *scheduler.Scheduler,
	auth *AuthHandler,
	announce Announcer,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{db: db, registry: registry, sched: sched, auth: auth, announce: announce, logger: logger}
}

// Metrics returns live connection counts and scheduler state.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online_users":    h.registry.OnlineUsers(),
		"connections":     h.registry.Count(),
		"scheduler_tasks": h.sched.Tasks(),
	})
}

// Connections returns a snapshot of every live connection and its rooms.
// GET /api/admin/connections
func (h *AdminHandler) Connections(c *gin.Context) {
	snap := h.registry.Snapshot()
	if snap == nil {
		snap = []realtime.ConnInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"connections": snap, "count": len(snap)})
}

// Room lists the online users whose fan-out rooms include the given room,
// i.e. the user and their connected friends.
// GET /api/admin/rooms/:id
func (h *AdminHandler) Room(c *gin.Context) {
	roomID, ok := paramID(c, "id")
	if !ok {
		return
	}
	members := h.registry.RoomMembers(roomID)
	if members == nil {
		members = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "members": members})
}

// Announce publishes a message to every SSE stream.
// POST /api/admin/announce
func (h *AdminHandler) Announce(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required,max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	body, err := json.Marshal(gin.H{"message": strings.TrimSpace(req.Message), "at": time.Now().UTC()})
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.announce.Announce(c.Request.Context(), string(body)); err != nil {
		fail(c, err)
		return
	}
	h.logger.Info("admin announcement", zap.String("message", req.Message))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Kick closes every live connection of a user.
// POST /api/admin/kick/:id
func (h *AdminHandler) Kick(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}
	conns := h.registry.Connections(userID)
	if len(conns) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not online"})
		return
	}
	for _, conn := range conns {
		conn.Close()
	}
	h.logger.Info("admin kicked user", zap.Int64("user_id", userID), zap.Int("connections", len(conns)))
	c.JSON(http.StatusOK, gin.H{"ok": true, "closed": len(conns)})
}

// Ban bans or unbans a user. Banning revokes every session and kicks the
// user's live connections.
// POST /api/admin/users/:id/ban
func (h *AdminHandler) Ban(c *gin.Context) {
	userID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := 1
	if req.Ban {
		status = 0
	}
	result := h.db.WithContext(c.Request.Context()).Model(&model.User{}).Where("id = ?", userID).Update("status", status)
	if result.Error != nil {
		fail(c, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	if req.Ban {
		if err := h.auth.RevokeAll(c.Request.Context(), userID); err != nil {
			h.logger.Warn("revoke sessions on ban", zap.Int64("user_id", userID), zap.Error(err))
		}
		for _, conn := range h.registry.Connections(userID) {
			conn.Close()
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// Reconcile runs the friendship reconciler now.
// POST /api/admin/reconcile
func (h *AdminHandler) Reconcile(c *gin.Context) {
	if err := h.sched.RunNow(ReconcileTask); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ReconcileTask is the scheduler name of the friendship reconciler.
const ReconcileTask = "friendship_reconcile"

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// If adminKey is empty all admin endpoints answer 503.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		if c.GetHeader("X-Admin-Key") != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
