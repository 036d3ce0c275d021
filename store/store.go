// Package store is the relationship store: users, friend requests and the
// friend edge table. It is the database of record for the friend graph.
package store

import (
	"context"
	"errors"

	"github.com/kasuganosora/friendhub/model"
)

var (
	// ErrNotFound is returned when a user or request row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert violates a unique index.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrStorageConflict is returned by UpdateRequestStatus when the row is
	// no longer in the expected status.
	ErrStorageConflict = errors.New("store: storage conflict")
)

// Store is the storage collaborator of the friend graph.
type Store interface {
	FindUser(ctx context.Context, id int64) (*model.User, error)
	// FindUsers returns the users that exist among ids, in no particular order.
	FindUsers(ctx context.Context, ids []int64) ([]model.User, error)

	FindRequest(ctx context.Context, id int64) (*model.FriendRequest, error)
	// FindRequestByPair finds the request between a and b in either direction.
	FindRequestByPair(ctx context.Context, a, b int64) (*model.FriendRequest, error)
	InsertRequest(ctx context.Context, req *model.FriendRequest) error
	UpdateRequestStatus(ctx context.Context, id int64, expected, next model.FriendRequestStatus) error
	// FindPendingRequestsFor lists pending requests received by userID, newest first.
	FindPendingRequestsFor(ctx context.Context, userID int64) ([]model.FriendRequest, error)
	DeleteRequestByPair(ctx context.Context, a, b int64) error
	ListAcceptedRequests(ctx context.Context) ([]model.FriendRequest, error)

	// AddFriend adds the directed edge userID->friendID if absent.
	AddFriend(ctx context.Context, userID, friendID int64) error
	// RemoveFriend deletes the directed edge and reports whether it existed.
	RemoveFriend(ctx context.Context, userID, friendID int64) (bool, error)
	IsFriend(ctx context.Context, userID, friendID int64) (bool, error)
	FriendIDs(ctx context.Context, userID int64) ([]int64, error)

	// Transaction runs fn against a Store bound to one database transaction.
	Transaction(ctx context.Context, fn func(Store) error) error
}
