package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kasuganosora/friendhub/realtime"
)

// RoomRefresher recomputes a user's rooms from the friend graph.
type RoomRefresher interface {
	FriendGraphChanged(ctx context.Context, userID int64) error
	Rooms(userID int64) []int64
}

// RegisterHandlers installs the built-in packet handlers.
//
//	join  re-reads the friend graph and replies with "joined" and the rooms
//	ping  replies with "pong" and the server time
func RegisterHandlers(r *Router, rooms RoomRefresher) {
	r.On("join", func(ctx context.Context, c Client, _ json.RawMessage) error {
		if err := rooms.FriendGraphChanged(ctx, c.UserID()); err != nil {
			return err
		}
		pkt, err := realtime.NewPacket("joined", map[string]interface{}{
			"rooms": rooms.Rooms(c.UserID()),
		})
		if err != nil {
			return err
		}
		c.Send(pkt)
		return nil
	})
	r.On("ping", func(_ context.Context, c Client, _ json.RawMessage) error {
		pkt, err := realtime.NewPacket("pong", map[string]int64{"ts": time.Now().UnixMilli()})
		if err != nil {
			return err
		}
		c.Send(pkt)
		return nil
	})
}
