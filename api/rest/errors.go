package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/friendhub/content"
	mw "github.com/kasuganosora/friendhub/middleware"
	"github.com/kasuganosora/friendhub/social"
	"gorm.io/gorm"
)

// statusOf maps a domain error to an HTTP status code.
func statusOf(err error) int {
	switch {
	case errors.Is(err, social.ErrNotFound), errors.Is(err, content.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, social.ErrForbidden), errors.Is(err, content.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, social.ErrInvalidTarget), errors.Is(err, social.ErrDuplicateRequest),
		errors.Is(err, social.ErrAlreadyFriends), errors.Is(err, social.ErrInvalidState),
		errors.Is(err, content.ErrInvalidContent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error body. Internal errors are attached to the
// Gin context for the access log and hidden from the client.
func fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(code, gin.H{"error": "internal error", "trace_id": mw.GetTraceID(c)})
		return
	}
	c.JSON(code, gin.H{"error": message(err)})
}

// message strips the package prefix from sentinel error text.
func message(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}
