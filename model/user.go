package model

import "time"

// User is an account in the social network. Auth owns the credentials;
// the social graph only reads the public profile fields.
type User struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	Email        string     `gorm:"size:128" json:"email"`
	Avatar       string     `gorm:"size:255" json:"avatar"`
	Bio          string     `gorm:"size:500" json:"bio"`
	Status       int        `gorm:"default:1" json:"status"` // 0=banned 1=normal
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastSeenAt   *time.Time `json:"last_seen_at"`
}

// PublicProfile is the projection of a User that other users may see.
type PublicProfile struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Bio      string `json:"bio"`
}

// Profile returns the public projection of u.
func (u *User) Profile() PublicProfile {
	return PublicProfile{ID: u.ID, Username: u.Username, Avatar: u.Avatar, Bio: u.Bio}
}
