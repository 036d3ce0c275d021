package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/kasuganosora/friendhub/audit"
	"github.com/kasuganosora/friendhub/realtime"
	"go.uber.org/zap"
)

// Client is the server side of one websocket as seen by packet handlers.
type Client interface {
	realtime.Conn
	// AcceptSeq reports whether seq is new for this connection.
	AcceptSeq(seq uint64) bool
}

// HandlerFunc processes a decoded inbound packet payload.
type HandlerFunc func(ctx context.Context, c Client, payload json.RawMessage) error

// Router dispatches inbound packets to registered handlers.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// On registers fn for msgType. Register everything before serving.
func (r *Router) On(msgType string, fn HandlerFunc) {
	r.handlers[msgType] = fn
}

// Dispatch decodes raw, drops replayed sequence numbers and invokes the
// handler for the packet type under a fresh trace id.
func (r *Router) Dispatch(c Client, raw []byte) {
	var pkt realtime.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil {
		r.logger.Warn("malformed packet", zap.Int64("user_id", c.UserID()), zap.Error(err))
		return
	}
	if !c.AcceptSeq(pkt.Seq) {
		r.logger.Warn("replayed or out-of-order packet",
			zap.Int64("user_id", c.UserID()),
			zap.Uint64("seq", pkt.Seq))
		return
	}

	fn, ok := r.handlers[pkt.Type]
	if !ok {
		r.logger.Debug("unhandled message type",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", c.UserID()))
		return
	}

	traceID := uuid.NewString()
	ctx := audit.WithTraceID(context.Background(), traceID)
	if err := fn(ctx, c, pkt.Payload); err != nil {
		r.logger.Error("handler error",
			zap.String("type", pkt.Type),
			zap.Int64("user_id", c.UserID()),
			zap.String("trace_id", traceID),
			zap.Error(err))
		if reply, perr := realtime.NewPacket("error", map[string]string{
			"type":     pkt.Type,
			"error":    err.Error(),
			"trace_id": traceID,
		}); perr == nil {
			c.Send(reply)
		}
	}
}
