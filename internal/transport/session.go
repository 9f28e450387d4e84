package transport

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	compressionThresholdBytes = 1024
	writeWait                 = 10 * time.Second
	pongWait                  = 60 * time.Second
	pingPeriod                = (pongWait * 9) / 10
	sendBufferSize            = 64
)

// SessionUser is the authenticated identity carried on the session, per
// spec.md §3's Session entity.
type SessionUser struct {
	UserID      string
	Email       string
	DisplayName string
	ImageURL    string
}

// Session is one accepted websocket connection. It is owned exclusively
// by its own read pump; all mutation of session-local presence state
// must happen on that goroutine's call stack (spec.md §5).
type Session struct {
	ID          string
	Conn        *websocket.Conn
	User        SessionUser
	ClientIP    string
	UserAgent   string
	ConnectedAt time.Time

	send chan Envelope

	mu       sync.Mutex
	rooms    map[string]struct{}
	closed   bool
	closeErr chan struct{}
}

// NewSession wraps an accepted websocket connection.
func NewSession(id string, conn *websocket.Conn, user SessionUser, clientIP, userAgent string) *Session {
	return &Session{
		ID:          id,
		Conn:        conn,
		User:        user,
		ClientIP:    clientIP,
		UserAgent:   userAgent,
		ConnectedAt: time.Now(),
		send:        make(chan Envelope, sendBufferSize),
		rooms:       make(map[string]struct{}),
		closeErr:    make(chan struct{}),
	}
}

func (s *Session) trackRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = struct{}{}
}

func (s *Session) untrackRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

func (s *Session) roomSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Outbox exposes the session's outgoing envelope channel. Production
// code drains it via WritePump; tests and alternative transports may
// drain it directly.
func (s *Session) Outbox() <-chan Envelope {
	return s.send
}

// Deliver enqueues an envelope for the write pump. It never blocks
// indefinitely: when the send buffer is full the envelope is discarded
// and the session itself stays open, consistent with spec.md §5's "no
// back-pressure beyond bounded buffers" policy.
func (s *Session) Deliver(envelope Envelope) {
	select {
	case s.send <- envelope:
	default:
	}
}

// Close marks the session closed and unblocks WritePump/ReadPump.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeErr)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// WritePump drains the send channel onto the websocket connection,
// enabling per-message deflate compression only above the 1 KiB
// threshold (spec.md §4.3) and sending periodic pings.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.Conn.Close()

	for {
		select {
		case <-s.closeErr:
			_ = s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case envelope, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.writeEnvelope(envelope); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) writeEnvelope(envelope Envelope) error {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil
	}
	s.Conn.EnableWriteCompression(len(encoded) > compressionThresholdBytes)
	_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.Conn.WriteMessage(websocket.TextMessage, encoded)
}

// ReadPump reads envelopes off the connection and invokes dispatch for
// each, serially, preserving spec.md §5's per-session ordering
// guarantee. It returns (and the caller should then clean up the
// session) once the connection closes or fails, reporting the
// machine-readable reason per spec.md §4.3(e).
func (s *Session) ReadPump(dispatch func(Envelope)) DisconnectReason {
	s.Conn.SetReadLimit(64 * 1024)
	_ = s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		return s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return ReasonIdleTimeout
			}
			return ReasonClientClosed
		}
		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			continue
		}
		dispatch(envelope)
	}
}
