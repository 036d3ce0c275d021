package model

import "time"

// Friendship is one directed edge of the friend graph. Every accepted
// friendship is stored as two rows, user->friend and friend->user.
type Friendship struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex:idx_friendship_edge;not null" json:"user_id"`
	FriendID  int64     `gorm:"uniqueIndex:idx_friendship_edge;index:idx_friendship_friend;not null" json:"friend_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
