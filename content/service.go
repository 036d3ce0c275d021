// Package content owns posts, likes and comments. Every write commits
// first and then hands a real-time event to the notifier.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kasuganosora/friendhub/audience"
	"github.com/kasuganosora/friendhub/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MaxPostLen    = 500
	MaxCommentLen = 200
	maxPageSize   = 50
)

var (
	ErrNotFound       = errors.New("content: not found")
	ErrForbidden      = errors.New("content: forbidden")
	ErrInvalidContent = errors.New("content: invalid content")
)

// Notifier queues a real-time event.
type Notifier interface {
	Notify(ctx context.Context, ev audience.Event, payload interface{})
}

// FriendSource reads the current friend ids of a user.
type FriendSource interface {
	FriendIDs(ctx context.Context, userID int64) ([]int64, error)
}

// PostView is a post with its author and counters.
type PostView struct {
	ID           int64               `json:"id"`
	Content      string              `json:"content"`
	Image        string              `json:"image,omitempty"`
	Author       model.PublicProfile `json:"author"`
	LikeCount    int64               `json:"like_count"`
	CommentCount int64               `json:"comment_count"`
	Liked        bool                `json:"liked"`
	CreatedAt    time.Time           `json:"created_at"`
}

// CommentView is a comment with its author.
type CommentView struct {
	ID        int64               `json:"id"`
	PostID    int64               `json:"post_id"`
	Content   string              `json:"content"`
	Author    model.PublicProfile `json:"author"`
	CreatedAt time.Time           `json:"created_at"`
}

// Page is one page of a listing.
type Page[T any] struct {
	Items       []T   `json:"items"`
	Total       int64 `json:"total"`
	CurrentPage int   `json:"current_page"`
	TotalPages  int   `json:"total_pages"`
}

type Service struct {
	db       *gorm.DB
	friends  FriendSource
	notifier Notifier
	logger   *zap.Logger
}

func NewService(db *gorm.DB, friends FriendSource, notifier Notifier, logger *zap.Logger) *Service {
	return &Service{db: db, friends: friends, notifier: notifier, logger: logger}
}

func normalize(text string, max int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > max {
		return "", fmt.Errorf("%w: must be 1-%d characters", ErrInvalidContent, max)
	}
	return text, nil
}

func pageBounds(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxPageSize {
		limit = 10
	}
	return page, limit
}

func (s *Service) profile(ctx context.Context, userID int64) model.PublicProfile {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		return model.PublicProfile{ID: userID}
	}
	return u.Profile()
}

func (s *Service) findPost(ctx context.Context, postID int64) (*model.Post, error) {
	var p model.Post
	if err := s.db.WithContext(ctx).First(&p, postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreatePost stores a post and announces it to the author's friends.
func (s *Service) CreatePost(ctx context.Context, userID int64, text, image string) (*PostView, error) {
	text, err := normalize(text, MaxPostLen)
	if err != nil {
		return nil, err
	}
	post := &model.Post{UserID: userID, Content: text, Image: image}
	if err := s.db.WithContext(ctx).Create(post).Error; err != nil {
		return nil, err
	}

	view := &PostView{
		ID:        post.ID,
		Content:   post.Content,
		Image:     post.Image,
		Author:    s.profile(ctx, userID),
		CreatedAt: post.CreatedAt,
	}
	s.notifier.Notify(ctx, audience.Event{Kind: audience.KindNewPost, ActorID: userID},
		map[string]interface{}{"post": view})
	return view, nil
}

// UpdatePost edits a post. Only the author may edit; an empty image keeps
// the current one.
func (s *Service) UpdatePost(ctx context.Context, postID, userID int64, text, image string) (*PostView, error) {
	text, err := normalize(text, MaxPostLen)
	if err != nil {
		return nil, err
	}
	post, err := s.findPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.UserID != userID {
		return nil, ErrForbidden
	}
	updates := map[string]interface{}{"content": text}
	if image != "" {
		updates["image"] = image
	}
	if err := s.db.WithContext(ctx).Model(post).Updates(updates).Error; err != nil {
		return nil, err
	}
	views, err := s.views(ctx, userID, []model.Post{*post})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

// DeletePost removes a post with its likes and comments.
func (s *Service) DeletePost(ctx context.Context, postID, userID int64) error {
	post, err := s.findPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.UserID != userID {
		return ErrForbidden
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", postID).Delete(&model.Comment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("post_id = ?", postID).Delete(&model.PostLike{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Post{}, postID).Error
	})
}

// Feed lists the posts of userID and their friends, newest first.
func (s *Service) Feed(ctx context.Context, userID int64, page, limit int) (*Page[PostView], error) {
	page, limit = pageBounds(page, limit)
	ids, err := s.friends.FriendIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids = append(ids, userID)

	q := s.db.WithContext(ctx).Model(&model.Post{}).Where("user_id IN ?", ids)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, err
	}
	var posts []model.Post
	err = s.db.WithContext(ctx).
		Where("user_id IN ?", ids).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset((page - 1) * limit).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	items, err := s.views(ctx, userID, posts)
	if err != nil {
		return nil, err
	}
	return &Page[PostView]{
		Items:       items,
		Total:       total,
		CurrentPage: page,
		TotalPages:  int((total + int64(limit) - 1) / int64(limit)),
	}, nil
}

// views joins authors and counters onto posts as seen by viewerID.
func (s *Service) views(ctx context.Context, viewerID int64, posts []model.Post) ([]PostView, error) {
	out := make([]PostView, 0, len(posts))
	if len(posts) == 0 {
		return out, nil
	}
	postIDs := make([]int64, len(posts))
	authorIDs := make([]int64, 0, len(posts))
	for i, p := range posts {
		postIDs[i] = p.ID
		authorIDs = append(authorIDs, p.UserID)
	}

	var authors []model.User
	if err := s.db.WithContext(ctx).Where("id IN ?", authorIDs).Find(&authors).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]model.PublicProfile, len(authors))
	for i := range authors {
		byID[authors[i].ID] = authors[i].Profile()
	}

	type count struct {
		PostID int64
		N      int64
	}
	var likes, comments []count
	db := s.db.WithContext(ctx)
	if err := db.Model(&model.PostLike{}).Select("post_id, COUNT(*) AS n").
		Where("post_id IN ?", postIDs).Group("post_id").Scan(&likes).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&model.Comment{}).Select("post_id, COUNT(*) AS n").
		Where("post_id IN ?", postIDs).Group("post_id").Scan(&comments).Error; err != nil {
		return nil, err
	}
	var liked []int64
	if err := db.Model(&model.PostLike{}).
		Where("post_id IN ? AND user_id = ?", postIDs, viewerID).
		Pluck("post_id", &liked).Error; err != nil {
		return nil, err
	}

	likeN := make(map[int64]int64, len(likes))
	for _, c := range likes {
		likeN[c.PostID] = c.N
	}
	commentN := make(map[int64]int64, len(comments))
	for _, c := range comments {
		commentN[c.PostID] = c.N
	}
	likedSet := make(map[int64]bool, len(liked))
	for _, id := range liked {
		likedSet[id] = true
	}

	for _, p := range posts {
		author, ok := byID[p.UserID]
		if !ok {
			author = model.PublicProfile{ID: p.UserID}
		}
		out = append(out, PostView{
			ID:           p.ID,
			Content:      p.Content,
			Image:        p.Image,
			Author:       author,
			LikeCount:    likeN[p.ID],
			CommentCount: commentN[p.ID],
			Liked:        likedSet[p.ID],
			CreatedAt:    p.CreatedAt,
		})
	}
	return out, nil
}

// ToggleLike likes the post, or unlikes it when already liked. The author
// is notified of both, unless they liked their own post.
func (s *Service) ToggleLike(ctx context.Context, postID, userID int64) (liked bool, count int64, err error) {
	post, err := s.findPost(ctx, postID)
	if err != nil {
		return false, 0, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("post_id = ? AND user_id = ?", postID, userID).Delete(&model.PostLike{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Create(&model.PostLike{PostID: postID, UserID: userID}).Error; err != nil {
				return err
			}
			liked = true
		}
		return tx.Model(&model.PostLike{}).Where("post_id = ?", postID).Count(&count).Error
	})
	if err != nil {
		return false, 0, err
	}

	s.notifier.Notify(ctx, audience.Event{
		Kind:    audience.KindNewLike,
		ActorID: userID,
		OwnerID: post.UserID,
	}, map[string]interface{}{
		"post_id": postID,
		"user":    s.profile(ctx, userID),
		"liked":   liked,
	})
	return liked, count, nil
}

// AddComment stores a comment and notifies the post author and the
// commenter's friends.
func (s *Service) AddComment(ctx context.Context, postID, userID int64, text string) (*CommentView, error) {
	text, err := normalize(text, MaxCommentLen)
	if err != nil {
		return nil, err
	}
	post, err := s.findPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	c := &model.Comment{PostID: postID, UserID: userID, Content: text}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	view := &CommentView{
		ID:        c.ID,
		PostID:    postID,
		Content:   c.Content,
		Author:    s.profile(ctx, userID),
		CreatedAt: c.CreatedAt,
	}
	s.notifier.Notify(ctx, audience.Event{
		Kind:    audience.KindNewComment,
		ActorID: userID,
		OwnerID: post.UserID,
	}, map[string]interface{}{"post_id": postID, "comment": view})
	return view, nil
}

// ListComments pages through a post's comments, newest first.
func (s *Service) ListComments(ctx context.Context, postID int64, page, limit int) (*Page[CommentView], error) {
	if _, err := s.findPost(ctx, postID); err != nil {
		return nil, err
	}
	page, limit = pageBounds(page, limit)

	var total int64
	if err := s.db.WithContext(ctx).Model(&model.Comment{}).Where("post_id = ?", postID).Count(&total).Error; err != nil {
		return nil, err
	}
	var rows []model.Comment
	err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset((page - 1) * limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	items := make([]CommentView, 0, len(rows))
	profiles := make(map[int64]model.PublicProfile)
	for _, r := range rows {
		p, ok := profiles[r.UserID]
		if !ok {
			p = s.profile(ctx, r.UserID)
			profiles[r.UserID] = p
		}
		items = append(items, CommentView{
			ID:        r.ID,
			PostID:    r.PostID,
			Content:   r.Content,
			Author:    p,
			CreatedAt: r.CreatedAt,
		})
	}
	return &Page[CommentView]{
		Items:       items,
		Total:       total,
		CurrentPage: page,
		TotalPages:  int((total + int64(limit) - 1) / int64(limit)),
	}, nil
}

// RecentPosts returns up to limit of authorID's newest posts as seen by
// viewerID.
func (s *Service) RecentPosts(ctx context.Context, viewerID, authorID int64, limit int) ([]PostView, error) {
	_, limit = pageBounds(1, limit)
	var posts []model.Post
	err := s.db.WithContext(ctx).
		Where("user_id = ?", authorID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&posts).Error
	if err != nil {
		return nil, err
	}
	return s.views(ctx, viewerID, posts)
}
