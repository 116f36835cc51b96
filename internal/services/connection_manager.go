package services

import (
	"hash/fnv"
	"log"
	"sync"
	"time"

	"veilchat/internal/models"
)

const connShards = 16

// ConnectionManager tracks live sessions, sharded by user hash to keep lock
// contention away from fan-out. Within a user, sessions are keyed by device
// fingerprint; accepting a second session for the same (user, device) closes
// the older one.
type ConnectionManager struct {
	shards [connShards]connShard
}

type connShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*models.Session
}

// NewConnectionManager initializes the shard maps.
func NewConnectionManager() *ConnectionManager {
	cm := &ConnectionManager{}
	for i := range cm.shards {
		cm.shards[i].users = make(map[string]map[string]*models.Session)
	}
	return cm
}

func (cm *ConnectionManager) shard(userHash string) *connShard {
	h := fnv.New32a()
	h.Write([]byte(userHash))
	return &cm.shards[h.Sum32()%connShards]
}

// Accept registers a session. If the same device already has a session, the
// older one is closed and returned so the caller can tear down its socket.
func (cm *ConnectionManager) Accept(sess *models.Session) (replaced *models.Session) {
	s := cm.shard(sess.UserHash)
	s.mu.Lock()
	devices, ok := s.users[sess.UserHash]
	if !ok {
		devices = make(map[string]*models.Session)
		s.users[sess.UserHash] = devices
	}
	replaced = devices[sess.DeviceFP]
	devices[sess.DeviceFP] = sess
	s.mu.Unlock()

	if replaced != nil {
		replaced.MarkClosed(models.CodeSessionReplaced)
		log.Printf("🔄 Replaced session for device %.12s", sess.DeviceFP)
	}
	return replaced
}

// Remove unregisters a session, but only if it is still the current one for
// its device; a replacement that raced in stays registered.
func (cm *ConnectionManager) Remove(sess *models.Session) {
	s := cm.shard(sess.UserHash)
	s.mu.Lock()
	defer s.mu.Unlock()
	devices, ok := s.users[sess.UserHash]
	if !ok {
		return
	}
	if devices[sess.DeviceFP] == sess {
		delete(devices, sess.DeviceFP)
		if len(devices) == 0 {
			delete(s.users, sess.UserHash)
		}
	}
}

// Get returns the live session for a (user, device) pair.
func (cm *ConnectionManager) Get(userHash, deviceFP string) (*models.Session, bool) {
	s := cm.shard(userHash)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.users[userHash][deviceFP]
	return sess, ok
}

// SessionsForUser snapshots all live sessions of a user.
func (cm *ConnectionManager) SessionsForUser(userHash string) []*models.Session {
	s := cm.shard(userHash)
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := s.users[userHash]
	if len(devices) == 0 {
		return nil
	}
	out := make([]*models.Session, 0, len(devices))
	for _, sess := range devices {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of live sessions across all shards.
func (cm *ConnectionManager) Count() int {
	total := 0
	for i := range cm.shards {
		s := &cm.shards[i]
		s.mu.RLock()
		for _, devices := range s.users {
			total += len(devices)
		}
		s.mu.RUnlock()
	}
	return total
}

// deliver enqueues a frame on one session. Overflow means the client is not
// draining its socket: the session is closed with a recoverable code and
// dropped from the registry.
func (cm *ConnectionManager) deliver(sess *models.Session, frame models.ServerFrame) bool {
	if sess.TrySend(frame) {
		return true
	}
	if !sess.IsClosed() {
		sess.MarkClosed(models.CodeQueueOverflow)
		log.Printf("⚠️ Outbound queue overflow, closing session %.8s", sess.SessionID)
	}
	cm.Remove(sess)
	return false
}

// SendToDevice delivers one frame to one device, preserving per-session
// FIFO order.
func (cm *ConnectionManager) SendToDevice(userHash, deviceFP string, frame models.ServerFrame) bool {
	sess, ok := cm.Get(userHash, deviceFP)
	if !ok {
		return false
	}
	return cm.deliver(sess, frame)
}

// BroadcastToUser fans a frame out to all of a user's sessions, optionally
// excluding one device (usually the originator).
func (cm *ConnectionManager) BroadcastToUser(userHash string, frame models.ServerFrame, exceptDevice string) int {
	sent := 0
	for _, sess := range cm.SessionsForUser(userHash) {
		if exceptDevice != "" && sess.DeviceFP == exceptDevice {
			continue
		}
		if cm.deliver(sess, frame) {
			sent++
		}
	}
	return sent
}

// DeliverStreamChunk sends an in-progress AI chunk only to sessions whose
// active chat matches; devices looking elsewhere learn about the message
// when it is ready.
func (cm *ConnectionManager) DeliverStreamChunk(userHash, chatID string, frame models.ServerFrame) int {
	sent := 0
	for _, sess := range cm.SessionsForUser(userHash) {
		if sess.ActiveChat() != chatID {
			continue
		}
		if cm.deliver(sess, frame) {
			sent++
		}
	}
	return sent
}

// SetActiveChat records the chat a device is displaying. Per device, memory
// only, idempotent.
func (cm *ConnectionManager) SetActiveChat(userHash, deviceFP, chatID string) bool {
	sess, ok := cm.Get(userHash, deviceFP)
	if !ok {
		return false
	}
	sess.SetActiveChat(chatID)
	return true
}

// ReapIdle closes sessions silent for longer than maxIdle (missed
// heartbeats). Returns how many were reaped.
func (cm *ConnectionManager) ReapIdle(maxIdle time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxIdle)
	reaped := 0
	for i := range cm.shards {
		s := &cm.shards[i]
		s.mu.RLock()
		var stale []*models.Session
		for _, devices := range s.users {
			for _, sess := range devices {
				if sess.LastSeen().Before(cutoff) {
					stale = append(stale, sess)
				}
			}
		}
		s.mu.RUnlock()
		for _, sess := range stale {
			sess.MarkClosed(models.CodeHeartbeatTimeout)
			if sess.Conn != nil {
				_ = sess.Conn.Close()
			}
			cm.Remove(sess)
			reaped++
		}
	}
	return reaped
}
