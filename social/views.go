package social

import (
	"time"

	"github.com/kasuganosora/friendhub/model"
)

// FriendView is one entry of a friend list.
type FriendView struct {
	ID         int64      `json:"id"`
	Username   string     `json:"username"`
	Avatar     string     `json:"avatar"`
	Bio        string     `json:"bio"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// RequestView is a pending request as shown to its receiver.
type RequestView struct {
	ID        int64                     `json:"id"`
	Status    model.FriendRequestStatus `json:"status"`
	CreatedAt time.Time                 `json:"created_at"`
	Sender    model.PublicProfile       `json:"sender"`
}

// Event payloads pushed to clients.
type (
	requestNotice struct {
		Request RequestView `json:"request"`
	}
	statusNotice struct {
		RequestID int64                     `json:"request_id"`
		Status    model.FriendRequestStatus `json:"status"`
		Receiver  model.PublicProfile       `json:"receiver"`
	}
	removedNotice struct {
		User model.PublicProfile `json:"user"`
	}
)
