// Package presence turns registry online/offline transitions into friend
// notifications and keeps each user's last-seen time.
package presence

import (
	"context"
	"time"

	"github.com/kasuganosora/friendhub/audience"
	"github.com/kasuganosora/friendhub/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Notifier queues a real-time event.
type Notifier interface {
	Notify(ctx context.Context, ev audience.Event, payload interface{})
}

type Tracker struct {
	db       *gorm.DB
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewTracker(db *gorm.DB, notifier Notifier, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, notifier: notifier, logger: logger, now: time.Now}
}

type notice struct {
	UserID     int64      `json:"user_id"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// Changed is installed as the registry presence callback.
func (t *Tracker) Changed(userID int64, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := notice{UserID: userID, Online: online}
	kind := audience.KindUserOnline
	if !online {
		kind = audience.KindUserOffline
		seen := t.now().UTC()
		n.LastSeenAt = &seen
		err := t.db.WithContext(ctx).Model(&model.User{}).
			Where("id = ?", userID).
			Update("last_seen_at", seen).Error
		if err != nil {
			t.logger.Warn("update last seen", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	t.notifier.Notify(ctx, audience.Event{Kind: kind, ActorID: userID}, n)
}
