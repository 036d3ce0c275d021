package model

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// FriendRequestStatus is the lifecycle state of a FriendRequest.
type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
	FriendRequestDeclined FriendRequestStatus = "declined"
)

// Terminal reports whether no further transition is allowed from s.
func (s FriendRequestStatus) Terminal() bool {
	return s == FriendRequestAccepted || s == FriendRequestDeclined
}

// ErrSelfRequest is returned by the create hook when sender == receiver.
var ErrSelfRequest = errors.New("model: friend request to self")

// FriendRequest is a request from SenderID to ReceiverID.
// LowID/HighID hold the unordered pair; their unique index allows at most
// one record per pair regardless of direction.
type FriendRequest struct {
	ID         int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	SenderID   int64               `gorm:"index:idx_friend_request_sender;not null" json:"sender_id"`
	ReceiverID int64               `gorm:"index:idx_friend_request_receiver;not null" json:"receiver_id"`
	LowID      int64               `gorm:"uniqueIndex:idx_friend_request_pair;not null" json:"-"`
	HighID     int64               `gorm:"uniqueIndex:idx_friend_request_pair;not null" json:"-"`
	Status     FriendRequestStatus `gorm:"size:16;not null;default:'pending';index:idx_friend_request_status" json:"status"`
	CreatedAt  time.Time           `gorm:"autoCreateTime;<-:create" json:"created_at"`
	UpdatedAt  time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// PairKey returns the unordered pair (low, high) for a and b.
func PairKey(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// BeforeCreate rejects self requests and fills the pair columns.
func (fr *FriendRequest) BeforeCreate(_ *gorm.DB) error {
	if fr.SenderID == fr.ReceiverID {
		return ErrSelfRequest
	}
	fr.LowID, fr.HighID = PairKey(fr.SenderID, fr.ReceiverID)
	if fr.Status == "" {
		fr.Status = FriendRequestPending
	}
	return nil
}
