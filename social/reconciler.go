package social

import (
	"context"
	"errors"

	"github.com/kasuganosora/friendhub/audit"
	"github.com/kasuganosora/friendhub/model"
	"github.com/kasuganosora/friendhub/observability"
	"github.com/kasuganosora/friendhub/store"
	"go.uber.org/zap"
)

// Reconcile restores friend edges missing for accepted requests, which
// happens when a process dies between the status write and the link. It
// returns the number of edges added.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	reqs, err := s.store.ListAcceptedRequests(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, r := range reqs {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		n, err := s.repair(ctx, r.ID)
		if err != nil {
			s.logger.Warn("reconcile request failed", zap.Int64("request_id", r.ID), zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}
		repaired += n
		s.logger.Info("friend link repaired",
			zap.Int64("request_id", r.ID),
			zap.Int64("sender_id", r.SenderID),
			zap.Int64("receiver_id", r.ReceiverID),
			zap.Int("edges", n))
		s.record(ctx, audit.ActionFriendLinkRepaired, r.ReceiverID, r.SenderID, r.ID)
		s.graphChanged(ctx, r.SenderID, r.ReceiverID)
	}
	observability.AddReconciled(repaired)
	return repaired, nil
}

// repair re-reads the request inside the transaction so a concurrent
// unfriend, which deletes the request, is never undone.
func (s *Service) repair(ctx context.Context, requestID int64) (int, error) {
	added := 0
	err := s.store.Transaction(ctx, func(tx store.Store) error {
		req, err := tx.FindRequest(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if req.Status != model.FriendRequestAccepted {
			return nil
		}
		for _, e := range [][2]int64{{req.SenderID, req.ReceiverID}, {req.ReceiverID, req.SenderID}} {
			ok, err := tx.IsFriend(ctx, e[0], e[1])
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if err := tx.AddFriend(ctx, e[0], e[1]); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}
