package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxFrameSize bounds one inbound client frame.
const maxFrameSize = 64 << 10

// SessionConfig tunes a websocket Session.
type SessionConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// Session is a websocket Conn. A single writePump goroutine owns the socket
// writes, so packets reach the client in the order Send accepted them.
type Session struct {
	id     string
	userID int64
	ws     *websocket.Conn
	cfg    SessionConfig

	send      chan []byte
	Done      chan struct{}
	closeOnce sync.Once

	lastSeq atomic.Uint64

	logger *zap.Logger
}

// NewSession wraps ws and starts its write goroutine.
func NewSession(userID int64, ws *websocket.Conn, cfg SessionConfig, logger *zap.Logger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:     uuid.New().String(),
		userID: userID,
		ws:     ws,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendBuffer),
		Done:   make(chan struct{}),
		logger: logger,
	}
	go s.writePump()
	return s
}

func (s *Session) ID() string    { return s.id }
func (s *Session) UserID() int64 { return s.userID }

// writePump drains the send buffer and pings the peer periodically so dead
// connections are noticed by the read deadline.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer s.ws.Close()
	for {
		select {
		case data := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error",
					zap.Int64("user_id", s.userID),
					zap.String("conn_id", s.id),
					zap.Error(err))
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.Done:
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// Send encodes pkt and queues it. Drops if the buffer is full or the
// session is closed.
func (s *Session) Send(pkt *Packet) bool {
	if s.IsClosed() {
		return false
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		s.logger.Error("encode packet", zap.String("type", pkt.Type), zap.Error(err))
		return false
	}
	select {
	case s.send <- data:
		return true
	case <-s.Done:
		return false
	default:
		s.logger.Warn("send buffer full, dropping packet",
			zap.Int64("user_id", s.userID),
			zap.String("conn_id", s.id),
			zap.String("type", pkt.Type))
		return false
	}
}

// Close signals the writePump to shut down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// AcceptSeq records an inbound packet sequence number. Seq 0 is untracked;
// otherwise seq must exceed every previously accepted one.
func (s *Session) AcceptSeq(seq uint64) bool {
	if seq == 0 {
		return true
	}
	for {
		last := s.lastSeq.Load()
		if seq <= last {
			return false
		}
		if s.lastSeq.CompareAndSwap(last, seq) {
			return true
		}
	}
}

// ExtendReadDeadline pushes the read deadline ReadTimeout into the future.
func (s *Session) ExtendReadDeadline() {
	_ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
}

// ReadLoop reads client frames until the socket fails or the session is
// closed, handing each text frame to fn. Every frame and every pong extends
// the read deadline. It returns the error that ended the loop.
func (s *Session) ReadLoop(fn func(raw []byte)) error {
	s.ws.SetReadLimit(maxFrameSize)
	s.ExtendReadDeadline()
	s.ws.SetPongHandler(func(string) error {
		s.ExtendReadDeadline()
		return nil
	})
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return err
		}
		s.ExtendReadDeadline()
		fn(raw)
	}
}
