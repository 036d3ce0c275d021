package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	mw "github.com/kasuganosora/friendhub/middleware"
	"github.com/kasuganosora/friendhub/social"
)

// FriendHandler exposes the friend request state machine.
type FriendHandler struct {
	svc *social.Service
}

func NewFriendHandler(svc *social.Service) *FriendHandler {
	return &FriendHandler{svc: svc}
}

type sendRequestBody struct {
	ReceiverID int64 `json:"receiver_id" binding:"required"`
}

// SendRequest handles POST /api/friends/request.
func (h *FriendHandler) SendRequest(c *gin.Context) {
	var body sendRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := h.svc.SendRequest(c.Request.Context(), mw.GetUserID(c), body.ReceiverID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": req})
}

// Accept handles PUT /api/friends/request/:id/accept.
func (h *FriendHandler) Accept(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	req, err := h.svc.AcceptRequest(c.Request.Context(), id, mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// Decline handles PUT /api/friends/request/:id/decline.
func (h *FriendHandler) Decline(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	req, err := h.svc.DeclineRequest(c.Request.Context(), id, mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// Pending handles GET /api/friends/requests.
func (h *FriendHandler) Pending(c *gin.Context) {
	reqs, err := h.svc.ListPendingIncoming(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

// List handles GET /api/friends.
func (h *FriendHandler) List(c *gin.Context) {
	friends, err := h.svc.ListFriends(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

// Remove handles DELETE /api/friends/:friendId.
func (h *FriendHandler) Remove(c *gin.Context) {
	id, ok := paramID(c, "friendId")
	if !ok {
		return
	}
	if err := h.svc.RemoveFriend(c.Request.Context(), mw.GetUserID(c), id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
