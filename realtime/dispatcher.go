package realtime

import (
	"github.com/kasuganosora/friendhub/observability"
	"go.uber.org/zap"
)

// DispatchResult counts what happened to one dispatched event.
type DispatchResult struct {
	Delivered int // connections that accepted the packet
	Skipped   int // recipients with no live connection
	Dropped   int // connections that refused the packet
}

// Dispatcher pushes events to the own room of each recipient.
type Dispatcher struct {
	reg    *Registry
	logger *zap.Logger
}

func NewDispatcher(reg *Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, logger: logger}
}

// Dispatch delivers payload as a packet of type kind to every live
// connection of every user in audience. Offline users are skipped; nothing
// is queued for them.
func (d *Dispatcher) Dispatch(kind string, payload interface{}, audience []int64) (DispatchResult, error) {
	var res DispatchResult
	if len(audience) == 0 {
		return res, nil
	}
	pkt, err := NewPacket(kind, payload)
	if err != nil {
		return res, err
	}

	seen := make(map[int64]struct{}, len(audience))
	for _, userID := range audience {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		conns := d.reg.Connections(userID)
		if len(conns) == 0 {
			res.Skipped++
			continue
		}
		for _, c := range conns {
			if c.Send(pkt) {
				res.Delivered++
			} else {
				res.Dropped++
			}
		}
	}

	observability.AddDispatched(kind, res.Delivered)
	observability.AddDropped(kind, res.Dropped)
	if res.Dropped > 0 {
		d.logger.Warn("event dropped for some connections",
			zap.String("kind", kind),
			zap.Int("dropped", res.Dropped))
	}
	return res, nil
}
