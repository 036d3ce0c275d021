package model

import "time"

// Post is a timeline entry authored by UserID.
type Post struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"index:idx_post_user;not null" json:"user_id"`
	Content   string    `gorm:"size:500;not null" json:"content"`
	Image     string    `gorm:"size:255" json:"image"`
	CreatedAt time.Time `gorm:"index:idx_post_created;autoCreateTime" json:"created_at"`
}

// PostLike records that UserID likes PostID.
type PostLike struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PostID    int64     `gorm:"uniqueIndex:idx_post_like;not null" json:"post_id"`
	UserID    int64     `gorm:"uniqueIndex:idx_post_like;not null" json:"user_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Comment is a reply on a Post.
type Comment struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PostID    int64     `gorm:"index:idx_comment_post;not null" json:"post_id"`
	UserID    int64     `gorm:"not null" json:"user_id"`
	Content   string    `gorm:"size:200;not null" json:"content"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
