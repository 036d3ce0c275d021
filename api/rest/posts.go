package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendhub/content"
	mw "github.com/kasuganosora/friendhub/middleware"
)

// PostHandler serves the timeline, likes and comments.
type PostHandler struct {
	svc *content.Service
}

func NewPostHandler(svc *content.Service) *PostHandler {
	return &PostHandler{svc: svc}
}

type postBody struct {
	Content string `json:"content"`
	Image   string `json:"image" binding:"omitempty,max=255"`
}

type commentBody struct {
	Content string `json:"content"`
}

// Create handles POST /api/posts.
func (h *PostHandler) Create(c *gin.Context) {
	var body postBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.svc.CreatePost(c.Request.Context(), mw.GetUserID(c), body.Content, body.Image)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"post": p})
}

// Update handles PUT /api/posts/:id.
func (h *PostHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var body postBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.svc.UpdatePost(c.Request.Context(), id, mw.GetUserID(c), body.Content, body.Image)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post": p})
}

// Delete handles DELETE /api/posts/:id.
func (h *PostHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.DeletePost(c.Request.Context(), id, mw.GetUserID(c)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Feed handles GET /api/posts?page=&limit=.
func (h *PostHandler) Feed(c *gin.Context) {
	page, err := h.svc.Feed(c.Request.Context(), mw.GetUserID(c), queryInt(c, "page", 1), queryInt(c, "limit", 10))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Like handles POST /api/posts/:id/like. It toggles.
func (h *PostHandler) Like(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	liked, count, err := h.svc.ToggleLike(c.Request.Context(), id, mw.GetUserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"liked": liked, "like_count": count})
}

// Comment handles POST /api/posts/:id/comment.
func (h *PostHandler) Comment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var body commentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cm, err := h.svc.AddComment(c.Request.Context(), id, mw.GetUserID(c), body.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"comment": cm})
}

// Comments handles GET /api/posts/:id/comments?page=&limit=.
func (h *PostHandler) Comments(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	page, err := h.svc.ListComments(c.Request.Context(), id, queryInt(c, "page", 1), queryInt(c, "limit", 20))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}
