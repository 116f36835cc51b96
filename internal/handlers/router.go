package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"veilchat/internal/config"
	"veilchat/internal/models"
	"veilchat/internal/services"
)

// ErrProtocol tells the websocket loop to close the session: the client
// sent something no well-behaved client sends.
var ErrProtocol = errors.New("protocol error")

// ProfileStore is the last-opened-chat collaborator.
type ProfileStore interface {
	LastOpenedChat(ctx context.Context, userHash string) (string, error)
	SetLastOpenedChat(ctx context.Context, userHash, chatID string) error
	ClearLastOpenedChat(ctx context.Context, userHash, chatID string) error
}

// ExpensiveLimiter throttles handlers that hit the document store hard.
type ExpensiveLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Deps bundles everything frame handlers touch. Tests fill only what they
// exercise; handlers tolerate nil Queue, Profile, Expensive and Metrics.
type Deps struct {
	Cfg       *config.Config
	Repo      *services.ChatRepository
	Conns     *services.ConnectionManager
	Profile   ProfileStore
	Queue     *services.WorkerQueue
	Expensive ExpensiveLimiter
	Metrics   *services.Metrics
}

// HandlerFunc processes one decoded inbound frame for one session.
type HandlerFunc func(ctx context.Context, d *Deps, sess *models.Session, payload json.RawMessage) error

// Router decodes inbound frames, applies both rate-limit layers and
// dispatches to the per-type handler.
type Router struct {
	deps      *Deps
	handlers  map[string]HandlerFunc
	expensive map[string]bool
}

// NewRouter registers every supported frame type.
func NewRouter(deps *Deps) *Router {
	r := &Router{
		deps: deps,
		handlers: map[string]HandlerFunc{
			models.FrameInitialSync:      handleInitialSync,
			models.FrameOfflineSync:      handleOfflineSync,
			models.FrameDraftUpdate:      handleDraftUpdate,
			models.FrameDeleteDraft:      handleDeleteDraft,
			models.FrameTitleUpdate:      handleTitleUpdate,
			models.FrameMessageReceived:  handleMessageReceived,
			models.FrameDeleteChat:       handleDeleteChat,
			models.FrameSetActiveChat:    handleSetActiveChat,
			models.FrameGetChatMessages:  handleGetChatMessages,
			models.FrameChatContentBatch: handleChatContentBatch,
		},
		expensive: map[string]bool{
			models.FrameInitialSync:      true,
			models.FrameOfflineSync:      true,
			models.FrameChatContentBatch: true,
		},
	}
	return r
}

// Dispatch routes one frame. A returned error means the session must be
// closed with a protocol error; recoverable problems are answered with error
// frames instead.
func (r *Router) Dispatch(ctx context.Context, sess *models.Session, frame models.ClientFrame) error {
	handler, ok := r.handlers[frame.Type]
	if !ok {
		return fmt.Errorf("%w: unknown frame type %q", ErrProtocol, frame.Type)
	}

	r.deps.Metrics.ObserveFrame(frame.Type, "in")

	if sess.FrameLimiter != nil && !sess.FrameLimiter.Allow() {
		sess.TrySend(models.ErrorFrame(models.CodeRateLimited, "too many frames", ""))
		return nil
	}

	if r.expensive[frame.Type] && r.deps.Expensive != nil {
		allowed, err := r.deps.Expensive.Allow(ctx, sess.UserHash+":"+sess.DeviceFP)
		if err != nil {
			sess.TrySend(models.ErrorFrame(models.CodeUpstreamFailure, "rate limiter unavailable", ""))
			return nil
		}
		if !allowed {
			sess.TrySend(models.ErrorFrame(models.CodeRateLimited, "expensive operation limit reached", ""))
			return nil
		}
	}

	return handler(ctx, r.deps, sess, frame.Payload)
}

// decode unmarshals a payload strictly enough that garbage becomes a
// protocol error rather than a zero-valued request.
func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", ErrProtocol, err)
	}
	return nil
}

// replyRepoError translates repository errors into error frames. Ownership
// failures and missing chats are indistinguishable on the wire.
func replyRepoError(sess *models.Session, chatID string, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrNotPermitted):
		sess.TrySend(models.ErrorFrame(models.CodeNotPermitted, "chat not found", chatID))
	default:
		sess.TrySend(models.ErrorFrame(models.CodeUpstreamFailure, "storage unavailable, try again", chatID))
	}
}
