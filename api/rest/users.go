package rest

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendhub/content"
	mw "github.com/kasuganosora/friendhub/middleware"
	"github.com/kasuganosora/friendhub/model"
	"github.com/kasuganosora/friendhub/store"
	"gorm.io/gorm"
)

const (
	maxBioLen    = 200
	searchLimit  = 10
	profilePosts = 5
)

// Presence reports whether a user has a live real-time connection.
type Presence interface {
	IsOnline(userID int64) bool
}

// UserHandler serves profiles and user search.
type UserHandler struct {
	db       *gorm.DB
	store    store.Store
	posts    *content.Service
	presence Presence
}

func NewUserHandler(db *gorm.DB, st store.Store, posts *content.Service, presence Presence) *UserHandler {
	return &UserHandler{db: db, store: st, posts: posts, presence: presence}
}

type profileResponse struct {
	model.PublicProfile
	Online      bool               `json:"online"`
	IsFriend    bool               `json:"is_friend"`
	IsSelf      bool               `json:"is_self"`
	RecentPosts []content.PostView `json:"recent_posts"`
}

// Get handles GET /api/users/:id.
func (h *UserHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	viewer := mw.GetUserID(c)

	u, err := h.store.FindUser(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		fail(c, err)
		return
	}
	friend, err := h.store.IsFriend(ctx, viewer, id)
	if err != nil {
		fail(c, err)
		return
	}
	posts, err := h.posts.RecentPosts(ctx, viewer, id, profilePosts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profileResponse{
		PublicProfile: u.Profile(),
		Online:        h.presence.IsOnline(id),
		IsFriend:      friend,
		IsSelf:        viewer == id,
		RecentPosts:   posts,
	})
}

type updateProfileRequest struct {
	Bio    *string `json:"bio"`
	Avatar *string `json:"avatar" binding:"omitempty,max=255"`
}

// UpdateMe handles PUT /api/users/me.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updates := map[string]interface{}{}
	if req.Bio != nil {
		bio := strings.TrimSpace(*req.Bio)
		if utf8.RuneCountInString(bio) > maxBioLen {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bio must be at most 200 characters"})
			return
		}
		updates["bio"] = bio
	}
	if req.Avatar != nil {
		updates["avatar"] = strings.TrimSpace(*req.Avatar)
	}

	userID := mw.GetUserID(c)
	db := h.db.WithContext(c.Request.Context())
	if len(updates) > 0 {
		if err := db.Model(&model.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			fail(c, err)
			return
		}
	}
	var u model.User
	if err := db.First(&u, userID).Error; err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": &u})
}

// Search handles GET /api/users/search?q=. The caller is never listed.
func (h *UserHandler) Search(c *gin.Context) {
	q := escapeLike(strings.TrimSpace(c.Query("q")))
	if q == "" {
		c.JSON(http.StatusOK, gin.H{"users": []model.PublicProfile{}})
		return
	}
	var users []model.User
	err := h.db.WithContext(c.Request.Context()).
		Where("username LIKE ? AND id <> ?", "%"+q+"%", mw.GetUserID(c)).
		Order("username").
		Limit(searchLimit).
		Find(&users).Error
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]model.PublicProfile, len(users))
	for i := range users {
		out[i] = users[i].Profile()
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// escapeLike drops LIKE wildcards from user input.
func escapeLike(s string) string {
	return strings.NewReplacer(`%`, ``, `_`, ``).Replace(s)
}
