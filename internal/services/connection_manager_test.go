package services

import (
	"fmt"
	"testing"
	"time"

	"veilchat/internal/models"
)

func testSession(userHash, deviceFP string, queueCap int) *models.Session {
	return models.NewSession("sess-"+deviceFP, userHash, deviceFP, nil, queueCap)
}

func drainFrames(sess *models.Session) []models.ServerFrame {
	var frames []models.ServerFrame
	for {
		select {
		case f, ok := <-sess.WriteChan:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestAcceptReplacesSameDevice(t *testing.T) {
	cm := NewConnectionManager()
	old := testSession("user-a", "dev-1", 10)
	cm.Accept(old)

	fresh := testSession("user-a", "dev-1", 10)
	replaced := cm.Accept(fresh)

	if replaced != old {
		t.Fatal("the older session should be returned as replaced")
	}
	if !old.IsClosed() {
		t.Error("the older session should be closed")
	}
	if old.CloseReason() != models.CodeSessionReplaced {
		t.Errorf("close reason = %q, want %q", old.CloseReason(), models.CodeSessionReplaced)
	}
	if got, _ := cm.Get("user-a", "dev-1"); got != fresh {
		t.Error("the fresh session should be registered")
	}
	if cm.Count() != 1 {
		t.Errorf("count = %d, want 1", cm.Count())
	}
}

func TestRemoveOnlyCurrentSession(t *testing.T) {
	cm := NewConnectionManager()
	old := testSession("user-a", "dev-1", 10)
	cm.Accept(old)
	fresh := testSession("user-a", "dev-1", 10)
	cm.Accept(fresh)

	// The replaced session's deferred cleanup must not evict its successor.
	cm.Remove(old)
	if _, ok := cm.Get("user-a", "dev-1"); !ok {
		t.Fatal("removing a stale session must not unregister the current one")
	}

	cm.Remove(fresh)
	if _, ok := cm.Get("user-a", "dev-1"); ok {
		t.Error("current session should be removable")
	}
}

func TestBroadcastToUserWithExclusion(t *testing.T) {
	cm := NewConnectionManager()
	s1 := testSession("user-a", "dev-1", 10)
	s2 := testSession("user-a", "dev-2", 10)
	other := testSession("user-b", "dev-9", 10)
	cm.Accept(s1)
	cm.Accept(s2)
	cm.Accept(other)

	frame := models.ServerFrame{Type: models.FrameTitleUpdated}
	if sent := cm.BroadcastToUser("user-a", frame, "dev-1"); sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if len(drainFrames(s1)) != 0 {
		t.Error("excluded device received the broadcast")
	}
	if len(drainFrames(s2)) != 1 {
		t.Error("other device missed the broadcast")
	}
	if len(drainFrames(other)) != 0 {
		t.Error("broadcast leaked across users")
	}
}

func TestSendToDevicePreservesFIFO(t *testing.T) {
	cm := NewConnectionManager()
	s := testSession("user-a", "dev-1", 10)
	cm.Accept(s)

	for i := 0; i < 5; i++ {
		cm.SendToDevice("user-a", "dev-1", models.ServerFrame{
			Type:    models.FrameMessageNew,
			Payload: fmt.Sprintf("frame-%d", i),
		})
	}

	frames := drainFrames(s)
	if len(frames) != 5 {
		t.Fatalf("expected 5 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if want := fmt.Sprintf("frame-%d", i); f.Payload != want {
			t.Errorf("frame %d out of order: got %v", i, f.Payload)
		}
	}
}

func TestStreamChunksOnlyToActiveSessions(t *testing.T) {
	cm := NewConnectionManager()
	viewing := testSession("user-a", "dev-1", 10)
	viewing.SetActiveChat("chat-7")
	elsewhere := testSession("user-a", "dev-2", 10)
	elsewhere.SetActiveChat("chat-9")
	idle := testSession("user-a", "dev-3", 10)
	cm.Accept(viewing)
	cm.Accept(elsewhere)
	cm.Accept(idle)

	chunk := models.ServerFrame{Type: models.FrameAIMessageUpdate}
	if sent := cm.DeliverStreamChunk("user-a", "chat-7", chunk); sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if len(drainFrames(viewing)) != 1 {
		t.Error("viewing session missed the chunk")
	}
	if len(drainFrames(elsewhere)) != 0 || len(drainFrames(idle)) != 0 {
		t.Error("chunk leaked to sessions not viewing the chat")
	}

	// The finished message reaches everyone.
	ready := models.ServerFrame{Type: models.FrameAIMessageReady}
	if sent := cm.BroadcastToUser("user-a", ready, ""); sent != 3 {
		t.Errorf("ready sent = %d, want 3", sent)
	}
}

func TestQueueOverflowClosesSession(t *testing.T) {
	cm := NewConnectionManager()
	s := testSession("user-a", "dev-1", 2)
	cm.Accept(s)

	frame := models.ServerFrame{Type: models.FrameMessageNew}
	if !cm.SendToDevice("user-a", "dev-1", frame) || !cm.SendToDevice("user-a", "dev-1", frame) {
		t.Fatal("first two sends should fit the queue")
	}
	if cm.SendToDevice("user-a", "dev-1", frame) {
		t.Fatal("third send should overflow")
	}
	if !s.IsClosed() {
		t.Error("overflowed session should be closed")
	}
	if s.CloseReason() != models.CodeQueueOverflow {
		t.Errorf("close reason = %q, want %q", s.CloseReason(), models.CodeQueueOverflow)
	}
	if _, ok := cm.Get("user-a", "dev-1"); ok {
		t.Error("overflowed session should be unregistered")
	}
}

func TestSetActiveChat(t *testing.T) {
	cm := NewConnectionManager()
	s := testSession("user-a", "dev-1", 10)
	cm.Accept(s)

	if !cm.SetActiveChat("user-a", "dev-1", "chat-1") {
		t.Fatal("SetActiveChat should find the session")
	}
	if s.ActiveChat() != "chat-1" {
		t.Errorf("active chat = %q, want chat-1", s.ActiveChat())
	}

	// Clearing and re-setting is idempotent.
	cm.SetActiveChat("user-a", "dev-1", "")
	cm.SetActiveChat("user-a", "dev-1", "")
	if s.ActiveChat() != "" {
		t.Error("active chat should be cleared")
	}

	if cm.SetActiveChat("user-a", "dev-9", "chat-1") {
		t.Error("unknown device should report false")
	}
}

func TestReapIdle(t *testing.T) {
	cm := NewConnectionManager()
	stale := testSession("user-a", "dev-1", 10)
	live := testSession("user-a", "dev-2", 10)
	cm.Accept(stale)
	cm.Accept(live)

	time.Sleep(20 * time.Millisecond)
	live.Touch()

	if reaped := cm.ReapIdle(10 * time.Millisecond); reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	if !stale.IsClosed() {
		t.Error("stale session should be closed")
	}
	if stale.CloseReason() != models.CodeHeartbeatTimeout {
		t.Errorf("close reason = %q, want %q", stale.CloseReason(), models.CodeHeartbeatTimeout)
	}
	if live.IsClosed() {
		t.Error("live session should survive")
	}
	if cm.Count() != 1 {
		t.Errorf("count = %d, want 1", cm.Count())
	}
}
