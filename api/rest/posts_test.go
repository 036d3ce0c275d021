package rest_test

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createPost(e *env, who account, text string) int64 {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/posts", who.Token, map[string]string{"content": text})
	require.Equal(e.t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Post struct {
			ID int64 `json:"id"`
		} `json:"post"`
	}
	decode(e.t, w, &resp)
	return resp.Post.ID
}

func TestPosts_FeedLikeComment(t *testing.T) {
	e := newEnv(t)
	a, b := e.register("alice"), e.register("bob")
	reqID := sendRequest(e, a, b.ID)
	require.Equal(t, http.StatusOK,
		e.do(http.MethodPut, fmt.Sprintf("/api/friends/request/%d/accept", reqID), b.Token, nil).Code)

	postID := createPost(e, b, "bob's first post")

	var feed struct {
		Items []struct {
			ID           int64 `json:"id"`
			LikeCount    int64 `json:"like_count"`
			CommentCount int64 `json:"comment_count"`
			Liked        bool  `json:"liked"`
		} `json:"items"`
		Total      int64 `json:"total"`
		TotalPages int   `json:"total_pages"`
	}
	decode(t, e.do(http.MethodGet, "/api/posts?page=1&limit=10", a.Token, nil), &feed)
	require.Len(t, feed.Items, 1)
	assert.Equal(t, postID, feed.Items[0].ID)
	assert.EqualValues(t, 1, feed.Total)

	var like struct {
		Liked     bool  `json:"liked"`
		LikeCount int64 `json:"like_count"`
	}
	decode(t, e.do(http.MethodPost, fmt.Sprintf("/api/posts/%d/like", postID), a.Token, nil), &like)
	assert.True(t, like.Liked)
	assert.EqualValues(t, 1, like.LikeCount)

	w := e.do(http.MethodPost, fmt.Sprintf("/api/posts/%d/comment", postID), a.Token, map[string]string{"content": "nice"})
	require.Equal(t, http.StatusCreated, w.Code)

	decode(t, e.do(http.MethodGet, "/api/posts", a.Token, nil), &feed)
	assert.True(t, feed.Items[0].Liked)
	assert.EqualValues(t, 1, feed.Items[0].CommentCount)

	var comments struct {
		Items []struct {
			Content string `json:"content"`
		} `json:"items"`
	}
	decode(t, e.do(http.MethodGet, fmt.Sprintf("/api/posts/%d/comments", postID), b.Token, nil), &comments)
	require.Len(t, comments.Items, 1)
	assert.Equal(t, "nice", comments.Items[0].Content)
}

func TestPosts_Errors(t *testing.T) {
	e := newEnv(t)
	a, b := e.register("alice"), e.register("bob")
	postID := createPost(e, a, "mine")

	w := e.do(http.MethodPost, "/api/posts", a.Token, map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(http.MethodPost, "/api/posts", a.Token, map[string]string{"content": strings.Repeat("x", 501)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPut, fmt.Sprintf("/api/posts/%d", postID), b.Token, map[string]string{"content": "theirs"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = e.do(http.MethodDelete, fmt.Sprintf("/api/posts/%d", postID), b.Token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/api/posts/9999/like", b.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(http.MethodPost, fmt.Sprintf("/api/posts/%d/comment", postID), b.Token, map[string]string{"content": strings.Repeat("x", 201)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(http.MethodPut, fmt.Sprintf("/api/posts/%d", postID), a.Token, map[string]string{"content": "edited"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodDelete, fmt.Sprintf("/api/posts/%d", postID), a.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodGet, fmt.Sprintf("/api/posts/%d/comments", postID), a.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
