package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kasuganosora/friendhub/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the underlying handle for collaborators outside the friend graph.
func (s *GormStore) DB() *gorm.DB { return s.db }

func (s *GormStore) FindUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *GormStore) FindUsers(ctx context.Context, ids []int64) ([]model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []model.User
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error
	return users, err
}

func (s *GormStore) FindRequest(ctx context.Context, id int64) (*model.FriendRequest, error) {
	var fr model.FriendRequest
	if err := s.db.WithContext(ctx).First(&fr, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &fr, nil
}

func (s *GormStore) FindRequestByPair(ctx context.Context, a, b int64) (*model.FriendRequest, error) {
	lo, hi := model.PairKey(a, b)
	var fr model.FriendRequest
	err := s.db.WithContext(ctx).
		Where("low_id = ? AND high_id = ?", lo, hi).
		First(&fr).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &fr, nil
}

func (s *GormStore) InsertRequest(ctx context.Context, req *model.FriendRequest) error {
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert friend request: %w", err)
	}
	return nil
}

func (s *GormStore) UpdateRequestStatus(ctx context.Context, id int64, expected, next model.FriendRequestStatus) error {
	res := s.db.WithContext(ctx).Model(&model.FriendRequest{}).
		Where("id = ? AND status = ?", id, expected).
		Update("status", next)
	if res.Error != nil {
		return fmt.Errorf("update friend request %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStorageConflict
	}
	return nil
}

func (s *GormStore) FindPendingRequestsFor(ctx context.Context, userID int64) ([]model.FriendRequest, error) {
	var reqs []model.FriendRequest
	err := s.db.WithContext(ctx).
		Where("receiver_id = ? AND status = ?", userID, model.FriendRequestPending).
		Order("created_at DESC, id DESC").
		Find(&reqs).Error
	return reqs, err
}

func (s *GormStore) DeleteRequestByPair(ctx context.Context, a, b int64) error {
	lo, hi := model.PairKey(a, b)
	return s.db.WithContext(ctx).
		Where("low_id = ? AND high_id = ?", lo, hi).
		Delete(&model.FriendRequest{}).Error
}

func (s *GormStore) ListAcceptedRequests(ctx context.Context) ([]model.FriendRequest, error) {
	var reqs []model.FriendRequest
	err := s.db.WithContext(ctx).
		Where("status = ?", model.FriendRequestAccepted).
		Order("id").
		Find(&reqs).Error
	return reqs, err
}

func (s *GormStore) AddFriend(ctx context.Context, userID, friendID int64) error {
	edge := model.Friendship{UserID: userID, FriendID: friendID}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&edge).Error
}

func (s *GormStore) RemoveFriend(ctx context.Context, userID, friendID int64) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND friend_id = ?", userID, friendID).
		Delete(&model.Friendship{})
	return res.RowsAffected > 0, res.Error
}

func (s *GormStore) IsFriend(ctx context.Context, userID, friendID int64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Friendship{}).
		Where("user_id = ? AND friend_id = ?", userID, friendID).
		Count(&n).Error
	return n > 0, err
}

func (s *GormStore) FriendIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&model.Friendship{}).
		Where("user_id = ?", userID).
		Order("friend_id").
		Pluck("friend_id", &ids).Error
	return ids, err
}

// Transaction runs fn in a gorm transaction. The Store passed to fn must be
// used for every statement; SQLite runs on one connection and a query on the
// outer handle would block on the open transaction.
func (s *GormStore) Transaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// IsUniqueViolation detects duplicate-key errors from common database drivers.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}
