package sse

import (
	"sync"

	"github.com/google/uuid"
	"github.com/kasuganosora/friendhub/realtime"
)

// Conn is a realtime.Conn backed by a server-sent event stream. ServeSSE
// drains its queue onto the response.
type Conn struct {
	id     string
	userID int64
	queue  chan *realtime.Packet
	done   chan struct{}
	once   sync.Once
}

func newConn(userID int64, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{
		id:     uuid.New().String(),
		userID: userID,
		queue:  make(chan *realtime.Packet, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string    { return c.id }
func (c *Conn) UserID() int64 { return c.userID }

// Send queues pkt without blocking.
func (c *Conn) Send(pkt *realtime.Packet) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- pkt:
		return true
	default:
		return false
	}
}

// Close ends the stream. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}
