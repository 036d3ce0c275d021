// Package social implements the friend request state machine and the
// friend list operations built on it.
package social

import (
	"context"
	"errors"
	"fmt"

	"github.com/kasuganosora/friendhub/audience"
	"github.com/kasuganosora/friendhub/audit"
	"github.com/kasuganosora/friendhub/model"
	"github.com/kasuganosora/friendhub/observability"
	"github.com/kasuganosora/friendhub/store"
	"go.uber.org/zap"
)

// Notifier queues a real-time event.
type Notifier interface {
	Notify(ctx context.Context, ev audience.Event, payload interface{})
}

// Registry is the part of the connection registry the friend graph needs.
type Registry interface {
	FriendGraphChanged(ctx context.Context, userID int64) error
	IsOnline(userID int64) bool
}

// Auditor records transitions.
type Auditor interface {
	Log(entry audit.AuditEntry)
}

// Service runs friend graph transitions.
type Service struct {
	store    store.Store
	notifier Notifier
	registry Registry
	audit    Auditor
	logger   *zap.Logger
}

func NewService(st store.Store, notifier Notifier, registry Registry, auditor Auditor, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		registry: registry,
		audit:    auditor,
		logger:   logger,
	}
}

// SendRequest creates a pending request from senderID to receiverID and
// notifies the receiver.
func (s *Service) SendRequest(ctx context.Context, senderID, receiverID int64) (req *model.FriendRequest, err error) {
	defer func() { observability.IncTransition("send", outcome(err)) }()

	if senderID == receiverID {
		return nil, ErrInvalidTarget
	}
	if _, err := s.findUser(ctx, receiverID); err != nil {
		return nil, err
	}
	sender, err := s.findUser(ctx, senderID)
	if err != nil {
		return nil, err
	}

	friends, err := s.store.IsFriend(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if friends {
		return nil, ErrAlreadyFriends
	}

	// Fast path; the unique pair index is what actually closes the race.
	if _, err := s.store.FindRequestByPair(ctx, senderID, receiverID); err == nil {
		return nil, ErrDuplicateRequest
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	req = &model.FriendRequest{SenderID: senderID, ReceiverID: receiverID}
	if err := s.store.InsertRequest(ctx, req); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateRequest
		}
		return nil, err
	}

	s.record(ctx, audit.ActionFriendRequestSent, senderID, receiverID, req.ID)
	s.notifier.Notify(ctx, audience.Event{
		Kind:     audience.KindFriendRequest,
		ActorID:  senderID,
		TargetID: receiverID,
	}, requestNotice{Request: RequestView{
		ID:        req.ID,
		Status:    req.Status,
		CreatedAt: req.CreatedAt,
		Sender:    sender.Profile(),
	}})
	return req, nil
}

// AcceptRequest moves a pending request to accepted and links both users.
// Only the receiver may accept.
func (s *Service) AcceptRequest(ctx context.Context, requestID, actingUserID int64) (req *model.FriendRequest, err error) {
	defer func() { observability.IncTransition("accept", outcome(err)) }()

	req, err = s.transition(ctx, requestID, actingUserID, model.FriendRequestAccepted)
	if err != nil {
		return nil, err
	}

	// The status write is committed. A failed link is retried once and
	// then left to the reconciler; the accept itself has succeeded.
	if err := s.link(ctx, req.SenderID, req.ReceiverID); err != nil {
		if err = s.link(ctx, req.SenderID, req.ReceiverID); err != nil {
			s.logger.Error("link friends after accept failed",
				zap.Int64("request_id", req.ID),
				zap.Int64("sender_id", req.SenderID),
				zap.Int64("receiver_id", req.ReceiverID),
				zap.Error(err))
		}
	}

	s.record(ctx, audit.ActionFriendRequestAccepted, actingUserID, req.SenderID, req.ID)
	s.graphChanged(ctx, req.SenderID, req.ReceiverID)
	s.notifyStatus(ctx, req)
	return req, nil
}

// DeclineRequest moves a pending request to declined. Friend lists are
// not touched.
func (s *Service) DeclineRequest(ctx context.Context, requestID, actingUserID int64) (req *model.FriendRequest, err error) {
	defer func() { observability.IncTransition("decline", outcome(err)) }()

	req, err = s.transition(ctx, requestID, actingUserID, model.FriendRequestDeclined)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.ActionFriendRequestDeclined, actingUserID, req.SenderID, req.ID)
	s.notifyStatus(ctx, req)
	return req, nil
}

// transition checks and applies pending -> next. A lost optimistic update
// is retried once from a fresh read.
func (s *Service) transition(ctx context.Context, requestID, actingUserID int64, next model.FriendRequestStatus) (*model.FriendRequest, error) {
	for attempt := 0; ; attempt++ {
		req, err := s.store.FindRequest(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if req.ReceiverID != actingUserID {
			return nil, ErrForbidden
		}
		if req.Status.Terminal() {
			return nil, ErrInvalidState
		}

		err = s.store.UpdateRequestStatus(ctx, req.ID, model.FriendRequestPending, next)
		if errors.Is(err, store.ErrStorageConflict) {
			if attempt == 0 {
				continue
			}
			return nil, ErrInvalidState
		}
		if err != nil {
			return nil, err
		}
		req.Status = next
		return req, nil
	}
}

// link adds both directed edges. AddFriend is idempotent so re-running a
// partially applied link is safe.
func (s *Service) link(ctx context.Context, a, b int64) error {
	return s.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.AddFriend(ctx, a, b); err != nil {
			return err
		}
		return tx.AddFriend(ctx, b, a)
	})
}

// ListPendingIncoming returns the pending requests received by userID,
// newest first.
func (s *Service) ListPendingIncoming(ctx context.Context, userID int64) ([]RequestView, error) {
	reqs, err := s.store.FindPendingRequestsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(reqs))
	for i, r := range reqs {
		ids[i] = r.SenderID
	}
	users, err := s.store.FindUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}

	out := make([]RequestView, 0, len(reqs))
	for _, r := range reqs {
		sender, ok := byID[r.SenderID]
		if !ok {
			continue
		}
		out = append(out, RequestView{
			ID:        r.ID,
			Status:    r.Status,
			CreatedAt: r.CreatedAt,
			Sender:    sender.Profile(),
		})
	}
	return out, nil
}

// ListFriends returns the friends of userID with their public profile and
// current online state.
func (s *Service) ListFriends(ctx context.Context, userID int64) ([]FriendView, error) {
	ids, err := s.store.FriendIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	users, err := s.store.FindUsers(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}

	out := make([]FriendView, 0, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, FriendView{
			ID:         u.ID,
			Username:   u.Username,
			Avatar:     u.Avatar,
			Bio:        u.Bio,
			Online:     s.registry.IsOnline(u.ID),
			LastSeenAt: u.LastSeenAt,
		})
	}
	return out, nil
}

// RemoveFriend unlinks userID and otherID and deletes their request
// record so either may send a new request later. The edge delete decides
// existence, so of two concurrent removals only one succeeds.
func (s *Service) RemoveFriend(ctx context.Context, userID, otherID int64) (err error) {
	defer func() { observability.IncTransition("remove", outcome(err)) }()

	if userID == otherID {
		return ErrInvalidTarget
	}

	err = s.store.Transaction(ctx, func(tx store.Store) error {
		removed, err := tx.RemoveFriend(ctx, userID, otherID)
		if err != nil {
			return err
		}
		if !removed {
			return ErrNotFound
		}
		if _, err := tx.RemoveFriend(ctx, otherID, userID); err != nil {
			return err
		}
		return tx.DeleteRequestByPair(ctx, userID, otherID)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("remove friend %d<->%d: %w", userID, otherID, err)
	}

	s.record(ctx, audit.ActionFriendRemoved, userID, otherID, 0)
	s.graphChanged(ctx, userID, otherID)

	payload := removedNotice{User: model.PublicProfile{ID: userID}}
	if u, err := s.store.FindUser(ctx, userID); err == nil {
		payload.User = u.Profile()
	}
	s.notifier.Notify(ctx, audience.Event{
		Kind:     audience.KindFriendRemoved,
		ActorID:  userID,
		TargetID: otherID,
	}, payload)
	return nil
}

func (s *Service) findUser(ctx context.Context, id int64) (*model.User, error) {
	u, err := s.store.FindUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *Service) notifyStatus(ctx context.Context, req *model.FriendRequest) {
	payload := statusNotice{
		RequestID: req.ID,
		Status:    req.Status,
		Receiver:  model.PublicProfile{ID: req.ReceiverID},
	}
	if u, err := s.store.FindUser(ctx, req.ReceiverID); err == nil {
		payload.Receiver = u.Profile()
	}
	s.notifier.Notify(ctx, audience.Event{
		Kind:     audience.KindFriendRequestStatus,
		ActorID:  req.ReceiverID,
		TargetID: req.SenderID,
	}, payload)
}

func (s *Service) graphChanged(ctx context.Context, ids ...int64) {
	for _, id := range ids {
		if err := s.registry.FriendGraphChanged(ctx, id); err != nil {
			s.logger.Warn("refresh rooms failed", zap.Int64("user_id", id), zap.Error(err))
		}
	}
}

func (s *Service) record(ctx context.Context, action string, actorID, targetID, requestID int64) {
	entry := audit.AuditEntry{
		TraceID:  audit.TraceIDFromCtx(ctx),
		ActorID:  actorID,
		TargetID: &targetID,
		Action:   action,
	}
	if requestID != 0 {
		entry.Detail = map[string]int64{"request_id": requestID}
	}
	s.audit.Log(entry)
}
