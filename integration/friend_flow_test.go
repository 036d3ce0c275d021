package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 3 * time.Second

type profile struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func TestFriendFlow_RealtimeEvents(t *testing.T) {
	ts := NewTestServer(t)

	aliceTok, aliceID := ts.Register(t, UniqueID("alice"))
	bobTok, bobID := ts.Register(t, UniqueID("bob"))
	carolTok, _ := ts.Register(t, UniqueID("carol"))

	alice := ts.ConnectWS(t, aliceTok)
	bob := ts.ConnectWS(t, bobTok)
	carol := ts.ConnectWS(t, carolTok)

	// Alice asks Bob; only Bob hears about it.
	var sent struct {
		Request struct {
			ID int64 `json:"id"`
		} `json:"request"`
	}
	ts.Expect(t, http.StatusCreated, http.MethodPost, "/api/friends/request",
		map[string]int64{"receiver_id": bobID}, aliceTok, &sent)
	require.NotZero(t, sent.Request.ID)

	var reqEvt struct {
		Request struct {
			ID     int64   `json:"id"`
			Status string  `json:"status"`
			Sender profile `json:"sender"`
		} `json:"request"`
	}
	bob.RecvType("friendRequest", wait).Decode(t, &reqEvt)
	assert.Equal(t, sent.Request.ID, reqEvt.Request.ID)
	assert.Equal(t, "pending", reqEvt.Request.Status)
	assert.Equal(t, aliceID, reqEvt.Request.Sender.ID)

	var pending struct {
		Requests []struct {
			ID int64 `json:"id"`
		} `json:"requests"`
	}
	ts.Expect(t, http.StatusOK, http.MethodGet, "/api/friends/requests", nil, bobTok, &pending)
	require.Len(t, pending.Requests, 1)

	// Bob accepts; Alice is told.
	ts.Expect(t, http.StatusOK, http.MethodPut,
		fmt.Sprintf("/api/friends/request/%d/accept", sent.Request.ID), nil, bobTok, nil)

	var status struct {
		RequestID int64   `json:"request_id"`
		Status    string  `json:"status"`
		Receiver  profile `json:"receiver"`
	}
	alice.RecvType("friendRequestStatus", wait).Decode(t, &status)
	assert.Equal(t, sent.Request.ID, status.RequestID)
	assert.Equal(t, "accepted", status.Status)
	assert.Equal(t, bobID, status.Receiver.ID)

	// Accepting again is an invalid transition.
	ts.Expect(t, http.StatusBadRequest, http.MethodPut,
		fmt.Sprintf("/api/friends/request/%d/accept", sent.Request.ID), nil, bobTok, nil)

	var friends struct {
		Friends []struct {
			ID     int64 `json:"id"`
			Online bool  `json:"online"`
		} `json:"friends"`
	}
	ts.Expect(t, http.StatusOK, http.MethodGet, "/api/friends", nil, aliceTok, &friends)
	require.Len(t, friends.Friends, 1)
	assert.Equal(t, bobID, friends.Friends[0].ID)
	assert.True(t, friends.Friends[0].Online)

	// A post reaches friends only.
	ts.Expect(t, http.StatusCreated, http.MethodPost, "/api/posts",
		map[string]string{"content": "hello friends"}, aliceTok, nil)

	var postEvt struct {
		Post struct {
			Content string  `json:"content"`
			Author  profile `json:"author"`
		} `json:"post"`
	}
	bob.RecvType("newPost", wait).Decode(t, &postEvt)
	assert.Equal(t, "hello friends", postEvt.Post.Content)
	assert.Equal(t, aliceID, postEvt.Post.Author.ID)
	carol.ExpectNone("newPost", 300*time.Millisecond)

	// Presence: Bob leaves and comes back.
	bob.Close()
	var off struct {
		UserID     int64      `json:"user_id"`
		Online     bool       `json:"online"`
		LastSeenAt *time.Time `json:"last_seen_at"`
	}
	alice.RecvType("userOffline", wait).Decode(t, &off)
	assert.Equal(t, bobID, off.UserID)
	assert.False(t, off.Online)
	assert.NotNil(t, off.LastSeenAt)

	ts.ConnectWS(t, bobTok)
	var on struct {
		UserID int64 `json:"user_id"`
		Online bool  `json:"online"`
	}
	alice.RecvType("userOnline", wait).Decode(t, &on)
	assert.Equal(t, bobID, on.UserID)
	assert.True(t, on.Online)

	// Bob unfriends Alice.
	ts.Expect(t, http.StatusOK, http.MethodDelete, fmt.Sprintf("/api/friends/%d", aliceID), nil, bobTok, nil)
	var removed struct {
		User profile `json:"user"`
	}
	alice.RecvType("friendRemoved", wait).Decode(t, &removed)
	assert.Equal(t, bobID, removed.User.ID)

	ts.Expect(t, http.StatusOK, http.MethodGet, "/api/friends", nil, aliceTok, &friends)
	assert.Empty(t, friends.Friends)
}

func TestFriendFlow_DeclineKeepsStrangers(t *testing.T) {
	ts := NewTestServer(t)

	aliceTok, _ := ts.Register(t, UniqueID("alice"))
	bobTok, bobID := ts.Register(t, UniqueID("bob"))
	alice := ts.ConnectWS(t, aliceTok)

	var sent struct {
		Request struct {
			ID int64 `json:"id"`
		} `json:"request"`
	}
	ts.Expect(t, http.StatusCreated, http.MethodPost, "/api/friends/request",
		map[string]int64{"receiver_id": bobID}, aliceTok, &sent)

	// A second request for the same pair is rejected.
	ts.Expect(t, http.StatusBadRequest, http.MethodPost, "/api/friends/request",
		map[string]int64{"receiver_id": bobID}, aliceTok, nil)

	// Only the receiver may decide.
	ts.Expect(t, http.StatusForbidden, http.MethodPut,
		fmt.Sprintf("/api/friends/request/%d/decline", sent.Request.ID), nil, aliceTok, nil)
	ts.Expect(t, http.StatusOK, http.MethodPut,
		fmt.Sprintf("/api/friends/request/%d/decline", sent.Request.ID), nil, bobTok, nil)

	var status struct {
		Status string `json:"status"`
	}
	alice.RecvType("friendRequestStatus", wait).Decode(t, &status)
	assert.Equal(t, "declined", status.Status)

	var friends struct {
		Friends []struct{} `json:"friends"`
	}
	ts.Expect(t, http.StatusOK, http.MethodGet, "/api/friends", nil, aliceTok, &friends)
	assert.Empty(t, friends.Friends)
}

func TestWS_PingPong(t *testing.T) {
	ts := NewTestServer(t)
	tok, _ := ts.Register(t, UniqueID("pinger"))
	ws := ts.ConnectWS(t, tok)

	ws.Send("ping", map[string]interface{}{})
	var pong struct {
		TS int64 `json:"ts"`
	}
	ws.RecvType("pong", wait).Decode(t, &pong)
	assert.NotZero(t, pong.TS)
}

func TestWS_RejectsBadToken(t *testing.T) {
	ts := NewTestServer(t)
	resp := ts.Do(t, http.MethodGet, "/ws?token=nope", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealth_CountsOnlineUsers(t *testing.T) {
	ts := NewTestServer(t)
	tok, _ := ts.Register(t, UniqueID("healthy"))
	ts.ConnectWS(t, tok)

	var out struct {
		Status      string `json:"status"`
		OnlineUsers int    `json:"online_users"`
	}
	ts.Expect(t, http.StatusOK, http.MethodGet, "/health", nil, "", &out)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, 1, out.OnlineUsers)
}
