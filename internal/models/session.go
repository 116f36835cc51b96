package models

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"
)

// Session is one live websocket connection, identified by (user hash, device
// fingerprint). Outbound frames go through a bounded FIFO channel drained by
// the connection's write loop; the channel is never written to directly,
// only through TrySend, which is safe against concurrent closes.
//
// Conn is nil in tests that exercise routing and fan-out without a real
// socket.
type Session struct {
	SessionID string
	UserHash  string
	DeviceFP  string
	Conn      *websocket.Conn
	WriteChan chan ServerFrame

	// FrameLimiter throttles inbound frames for this session.
	FrameLimiter *rate.Limiter

	CreatedAt time.Time

	mu         sync.Mutex
	activeChat string
	lastSeen   time.Time
	closed     bool
	closeCode  string
	done       chan struct{}
}

// NewSession builds a session with a bounded outbound queue.
func NewSession(sessionID, userHash, deviceFP string, conn *websocket.Conn, queueCap int) *Session {
	now := time.Now().UTC()
	return &Session{
		SessionID: sessionID,
		UserHash:  userHash,
		DeviceFP:  deviceFP,
		Conn:      conn,
		WriteChan: make(chan ServerFrame, queueCap),
		CreatedAt: now,
		lastSeen:  now,
		done:      make(chan struct{}),
	}
}

// TrySend enqueues a frame without blocking. It returns false when the
// session is closed or its queue is full; a full queue means the client is
// not draining and the caller should close the session.
func (s *Session) TrySend(frame ServerFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.WriteChan <- frame:
		return true
	default:
		return false
	}
}

// MarkClosed flags the session closed with a reason and closes the outbound
// channel so the write loop drains and exits. Safe to call more than once;
// only the first reason sticks.
func (s *Session) MarkClosed(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	close(s.WriteChan)
	close(s.done)
}

// IsClosed reports whether MarkClosed has been called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseReason returns the code passed to the first MarkClosed call.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// Done is closed when the session is marked closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SetActiveChat records which chat this device currently displays. Empty
// means none. Per device, in memory only.
func (s *Session) SetActiveChat(chatID string) {
	s.mu.Lock()
	s.activeChat = chatID
	s.mu.Unlock()
}

// ActiveChat returns the chat this device currently displays.
func (s *Session) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

// Touch records liveness (frame received or pong answered).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UTC()
	s.mu.Unlock()
}

// LastSeen returns the last liveness timestamp.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}
