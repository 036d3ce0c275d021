// Package realtime keeps the live connections of every user and delivers
// events to them.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Packet is the envelope pushed to clients and read from them.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewPacket encodes payload into a Packet of the given type.
func NewPacket(typ string, payload interface{}) (*Packet, error) {
	pkt := &Packet{Type: typ}
	if payload == nil {
		return pkt, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		pkt.Payload = raw
		return pkt, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	pkt.Payload = data
	return pkt, nil
}

// Conn is one live connection of an authenticated user.
type Conn interface {
	ID() string
	UserID() int64
	// Send queues pkt without blocking. It returns false when the packet
	// was dropped because the connection is closed or its buffer is full.
	Send(pkt *Packet) bool
	Close()
}
