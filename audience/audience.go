// Package audience computes who should receive a real-time event. Every
// call re-reads the friend graph so the result reflects the state at the
// moment of the triggering write.
package audience

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Kind names a real-time event.
type Kind string

const (
	KindNewPost             Kind = "newPost"
	KindNewComment          Kind = "newComment"
	KindNewLike             Kind = "newLike"
	KindFriendRequest       Kind = "friendRequest"
	KindFriendRequestStatus Kind = "friendRequestStatus"
	KindFriendRemoved       Kind = "friendRemoved"
	KindUserOnline          Kind = "userOnline"
	KindUserOffline         Kind = "userOffline"
)

// ErrUnknownKind is returned for a Kind with no audience rule.
var ErrUnknownKind = errors.New("audience: unknown event kind")

// Event carries the ids an audience rule needs.
//
//	ActorID  user who performed the action
//	OwnerID  author of the content acted on (comment, like)
//	TargetID counterpart of a friend graph event
type Event struct {
	Kind     Kind
	ActorID  int64
	OwnerID  int64
	TargetID int64
}

// FriendSource reads the current friend ids of a user.
type FriendSource interface {
	FriendIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Resolver maps events to recipient user ids.
type Resolver struct {
	friends FriendSource
}

func NewResolver(friends FriendSource) *Resolver {
	return &Resolver{friends: friends}
}

// Resolve returns the sorted, de-duplicated recipients of ev. The actor is
// never a recipient.
func (r *Resolver) Resolve(ctx context.Context, ev Event) ([]int64, error) {
	set := make(map[int64]struct{})

	switch ev.Kind {
	case KindNewPost, KindUserOnline, KindUserOffline:
		if err := r.addFriends(ctx, set, ev.ActorID); err != nil {
			return nil, err
		}

	case KindNewComment:
		// The author is told about the reply; the actor's friends see it
		// on their timeline.
		if ev.OwnerID != 0 {
			set[ev.OwnerID] = struct{}{}
		}
		if err := r.addFriends(ctx, set, ev.ActorID); err != nil {
			return nil, err
		}

	case KindNewLike:
		if ev.OwnerID != 0 {
			set[ev.OwnerID] = struct{}{}
		}

	case KindFriendRequest, KindFriendRequestStatus, KindFriendRemoved:
		if ev.TargetID != 0 {
			set[ev.TargetID] = struct{}{}
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}

	delete(set, ev.ActorID)
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *Resolver) addFriends(ctx context.Context, set map[int64]struct{}, userID int64) error {
	ids, err := r.friends.FriendIDs(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve friends of %d: %w", userID, err)
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return nil
}
