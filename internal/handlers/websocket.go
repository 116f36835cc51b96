package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"veilchat/internal/logging"
	"veilchat/internal/models"
	"veilchat/internal/security"
	"veilchat/internal/services"
)

const stepUpWait = 2 * time.Minute

// WebSocketHandler owns the session lifecycle: auth context, device
// step-up, registration, and the read/write/ping loops.
type WebSocketHandler struct {
	deps   *Deps
	router *Router
	stepUp *services.StepUpService
}

// NewWebSocketHandler wires the handler and its frame router.
func NewWebSocketHandler(deps *Deps, stepUp *services.StepUpService) *WebSocketHandler {
	return &WebSocketHandler{
		deps:   deps,
		router: NewRouter(deps),
		stepUp: stepUp,
	}
}

// Handle runs one websocket session to completion.
func (h *WebSocketHandler) Handle(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)
	deviceFP, _ := c.Locals("device_fp").(string)
	if userID == "" || deviceFP == "" {
		_ = c.WriteJSON(models.ErrorFrame(models.CodeProtocolError, "missing identity", ""))
		_ = c.Close()
		return
	}

	userHash := security.HashUser(userID, h.deps.Cfg.UserHashSalt)
	logger := logging.WithSession(userHash, deviceFP)

	sess := models.NewSession(uuid.NewString(), userHash, deviceFP, c, h.deps.Cfg.SessionQueueCap)
	sess.FrameLimiter = rate.NewLimiter(rate.Limit(h.deps.Cfg.FrameRatePerSecond), h.deps.Cfg.FrameBurst)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if h.stepUp != nil {
		if !h.ensureDeviceTrusted(ctx, c, userHash, deviceFP) {
			_ = c.Close()
			return
		}
	}

	if replaced := h.deps.Conns.Accept(sess); replaced != nil {
		if h.deps.Metrics != nil {
			h.deps.Metrics.SessionsReplaced.Inc()
		}
		if replaced.Conn != nil {
			_ = replaced.Conn.Close()
		}
	}
	logger.Info("session connected", "session_id", sess.SessionID)

	defer func() {
		h.deps.Conns.Remove(sess)
		sess.MarkClosed("")
		logger.Info("session closed", "session_id", sess.SessionID, "reason", sess.CloseReason())
	}()

	go h.writeLoop(sess)
	go h.pingLoop(sess)

	h.readLoop(ctx, sess)
}

// ensureDeviceTrusted holds the socket in a quarantine loop until the
// device fingerprint passes step-up. No chat frame is processed before
// verification; every inbound frame is answered with step_up_required.
func (h *WebSocketHandler) ensureDeviceTrusted(ctx context.Context, c *websocket.Conn, userHash, deviceFP string) bool {
	known, err := h.stepUp.IsKnownDevice(ctx, userHash, deviceFP)
	if err != nil {
		log.Printf("⚠️ Device lookup failed: %v", err)
		_ = c.WriteJSON(models.ErrorFrame(models.CodeUpstreamFailure, "device check unavailable", ""))
		return false
	}
	if known {
		return true
	}

	if _, err := h.stepUp.BeginChallenge(userHash, deviceFP); err != nil {
		log.Printf("⚠️ Step-up challenge failed: %v", err)
		return false
	}
	_ = c.WriteJSON(models.ErrorFrame(models.CodeStepUpRequired, "verify this device to continue", ""))

	deadline := time.Now().Add(stepUpWait)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, _, err := c.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if !errors.As(err, &netErr) || !netErr.Timeout() {
				return false
			}
		}
		if h.stepUp.IsVerified(userHash, deviceFP) {
			_ = c.SetReadDeadline(time.Time{})
			return true
		}
		_ = c.WriteJSON(models.ErrorFrame(models.CodeStepUpRequired, "verify this device to continue", ""))
	}
	return false
}

// writeLoop drains the session's outbound queue in FIFO order. It exits
// when MarkClosed closes the channel, then tears the socket down with the
// close reason.
func (h *WebSocketHandler) writeLoop(sess *models.Session) {
	for frame := range sess.WriteChan {
		if err := sess.Conn.WriteJSON(frame); err != nil {
			sess.MarkClosed(models.CodeProtocolError)
			break
		}
		h.deps.Metrics.ObserveFrame(frame.Type, "out")
	}
	// Drain whatever is left after a mid-loop close.
	for range sess.WriteChan {
	}
	if reason := sess.CloseReason(); reason != "" {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = sess.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	_ = sess.Conn.Close()
}

// pingLoop keeps the connection alive and lets the read deadline detect
// dead peers.
func (h *WebSocketHandler) pingLoop(sess *models.Session) {
	ticker := time.NewTicker(h.deps.Cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := sess.Conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				sess.MarkClosed(models.CodeProtocolError)
				return
			}
		}
	}
}

// readLoop decodes and dispatches inbound frames until the peer goes away
// or breaks protocol.
func (h *WebSocketHandler) readLoop(ctx context.Context, sess *models.Session) {
	readDeadline := h.deps.Cfg.ReadDeadline()
	_ = sess.Conn.SetReadDeadline(time.Now().Add(readDeadline))
	sess.Conn.SetPongHandler(func(string) error {
		sess.Touch()
		return sess.Conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := sess.Conn.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()
		_ = sess.Conn.SetReadDeadline(time.Now().Add(readDeadline))

		var frame models.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.TrySend(models.ErrorFrame(models.CodeProtocolError, "malformed frame", ""))
			sess.MarkClosed(models.CodeProtocolError)
			return
		}

		if err := h.router.Dispatch(ctx, sess, frame); err != nil {
			sess.TrySend(models.ErrorFrame(models.CodeProtocolError, err.Error(), ""))
			sess.MarkClosed(models.CodeProtocolError)
			return
		}

		if sess.IsClosed() {
			return
		}
	}
}
