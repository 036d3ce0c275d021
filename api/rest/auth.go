package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendhub/cache"
	"github.com/kasuganosora/friendhub/config"
	mw "github.com/kasuganosora/friendhub/middleware"
	"github.com/kasuganosora/friendhub/model"
	"github.com/kasuganosora/friendhub/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const bcryptCost = 12

// AuthHandler handles authentication REST endpoints.
type AuthHandler struct {
	db     *gorm.DB
	cache  cache.Cache
	sec    config.SecurityConfig
	logger *zap.Logger
}

func NewAuthHandler(db *gorm.DB, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{db: db, cache: c, sec: sec, logger: logger}
}

type registerRequest struct {
	Username string `json:"username" binding:"required,min=3,max=32,alphanum"`
	Email    string `json:"email" binding:"omitempty,email,max=128"`
	Password string `json:"password" binding:"required,min=6,max=64"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
	if err != nil {
		fail(c, err)
		return
	}
	u := model.User{
		Username:     req.Username,
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(hash),
		Status:       1,
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&u).Error; err != nil {
		if store.IsUniqueViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
			return
		}
		fail(c, err)
		return
	}

	token, err := h.issue(c.Request.Context(), &u)
	if err != nil {
		fail(c, err)
		return
	}
	h.logger.Info("user registered", zap.Int64("user_id", u.ID), zap.String("trace_id", mw.GetTraceID(c)))
	c.JSON(http.StatusCreated, authResponse{Token: token, User: &u})
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var u model.User
	err := h.db.WithContext(c.Request.Context()).Where("username = ?", req.Username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	} else if err != nil {
		fail(c, err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if u.Status == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "account banned"})
		return
	}

	token, err := h.issue(c.Request.Context(), &u)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, authResponse{Token: token, User: &u})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	token := mw.GetToken(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	h.revoke(ctx, mw.GetUserID(c), token)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh. The old token stops working.
func (h *AuthHandler) Refresh(c *gin.Context) {
	userID := mw.GetUserID(c)
	var u model.User
	if err := h.db.WithContext(c.Request.Context()).First(&u, userID).Error; err != nil {
		fail(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	h.revoke(ctx, userID, mw.GetToken(c))

	token, err := h.issue(ctx, &u)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// issue signs a token and records its session in the cache.
func (h *AuthHandler) issue(ctx context.Context, u *model.User) (string, error) {
	token, err := mw.GenerateToken(u.ID, u.Username, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.cache.Set(ctx, mw.SessionKey(token), strconv.FormatInt(u.ID, 10), h.sec.JWTTTLH); err != nil {
		return "", err
	}
	setKey := mw.UserSessionsKey(u.ID)
	if err := h.cache.SAdd(ctx, setKey, token); err != nil {
		h.logger.Warn("track session", zap.Int64("user_id", u.ID), zap.Error(err))
	} else {
		_ = h.cache.Expire(ctx, setKey, h.sec.JWTTTLH)
	}
	return token, nil
}

func (h *AuthHandler) revoke(ctx context.Context, userID int64, token string) {
	if token == "" {
		return
	}
	if err := h.cache.Del(ctx, mw.SessionKey(token)); err != nil {
		h.logger.Warn("revoke session", zap.Int64("user_id", userID), zap.Error(err))
	}
	_ = h.cache.SRem(ctx, mw.UserSessionsKey(userID), token)
}

// RevokeAll ends every session of userID. Used when an account is banned.
func (h *AuthHandler) RevokeAll(ctx context.Context, userID int64) error {
	tokens, err := h.cache.SMembers(ctx, mw.UserSessionsKey(userID))
	if err != nil && !cache.IsNotFound(err) {
		return err
	}
	for _, t := range tokens {
		_ = h.cache.Del(ctx, mw.SessionKey(t))
	}
	return h.cache.Del(ctx, mw.UserSessionsKey(userID))
}
