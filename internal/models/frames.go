package models

import (
	"encoding/json"
	"time"
)

// Client → server frame types.
const (
	FrameInitialSync      = "initial_sync_request"
	FrameOfflineSync      = "offline_sync_request"
	FrameDraftUpdate      = "draft_update"
	FrameDeleteDraft      = "delete_draft"
	FrameTitleUpdate      = "title_update"
	FrameMessageReceived  = "message_received"
	FrameDeleteChat       = "delete_chat"
	FrameSetActiveChat    = "set_active_chat"
	FrameGetChatMessages  = "get_chat_messages"
	FrameChatContentBatch = "chat_content_batch_request"
)

// Server → client frame types.
const (
	FrameActiveChatLoad    = "active_chat_load"
	FrameDeltaSyncData     = "delta_sync_data"
	FrameDraftUpdated      = "draft_updated"
	FrameDraftConflict     = "draft_conflict"
	FrameDraftCleared      = "draft_cleared"
	FrameTitleUpdated      = "title_updated"
	FrameTitleConflict     = "title_conflict"
	FrameMessageNew        = "message_new"
	FrameAIMessageUpdate   = "ai_message_update"
	FrameAIMessageReady    = "ai_message_ready"
	FrameChatDeleted       = "chat_deleted"
	FrameChatContentData   = "chat_content_batch"
	FrameOfflineSyncResult = "offline_sync_result"
	FrameErrorType         = "error"
)

// Stable error codes carried on error frames and close reasons. The
// session_replaced, heartbeat_timeout and send_queue_overflow closes are
// recoverable: the client should reconnect and resync rather than treat
// them as protocol faults.
const (
	CodeProtocolError    = "protocol_error"
	CodeStepUpRequired   = "step_up_required"
	CodeNotPermitted     = "not_found_or_not_permitted"
	CodeRateLimited      = "rate_limited"
	CodeQueueOverflow    = "send_queue_overflow"
	CodeSessionReplaced  = "session_replaced"
	CodeHeartbeatTimeout = "heartbeat_timeout"
	CodeUpstreamFailure  = "upstream_failure"
)

// ClientFrame is the envelope for every inbound frame. Payload stays raw
// until the router knows the type.
type ClientFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ServerFrame is the envelope for every outbound frame.
type ServerFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorFrame builds a standard error frame.
func ErrorFrame(code, message, chatID string) ServerFrame {
	return ServerFrame{
		Type: FrameErrorType,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
			ChatID:  chatID,
		},
	}
}

// --- inbound payloads ---

// InitialSyncPayload opens a session's sync cycle.
type InitialSyncPayload struct {
	LastSyncTS    time.Time                `json:"last_sync_ts"`
	KnownVersions map[string]KnownVersions `json:"known_versions"`
}

// OfflineOp is one queued mutation replayed after reconnect. Type is one of
// the mutating inbound frame types; Payload matches that frame's payload.
type OfflineOp struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OfflineSyncPayload replays mutations queued while offline, in client order.
type OfflineSyncPayload struct {
	Ops []OfflineOp `json:"ops"`
}

// DraftUpdatePayload edits a chat draft. For the very first draft of a new
// chat the client sends its uuid in ClientChatID and leaves ChatID empty; the
// server derives the chat id.
type DraftUpdatePayload struct {
	ChatID           string `json:"chat_id,omitempty"`
	ClientChatID     string `json:"client_chat_id,omitempty"`
	BasedOnVersion   int64  `json:"based_on_version"`
	EncryptedContent string `json:"encrypted_content"`
}

// DeleteDraftPayload clears a chat's draft.
type DeleteDraftPayload struct {
	ChatID string `json:"chat_id"`
}

// TitleUpdatePayload renames a chat.
type TitleUpdatePayload struct {
	ChatID           string `json:"chat_id"`
	BasedOnVersion   int64  `json:"based_on_version"`
	EncryptedContent string `json:"encrypted_content"`
}

// MessageReceivedPayload submits a finished user message. ClientChatID is
// set when the chat does not exist on the server yet.
type MessageReceivedPayload struct {
	ChatID           string `json:"chat_id,omitempty"`
	ClientChatID     string `json:"client_chat_id,omitempty"`
	MessageID        string `json:"message_id,omitempty"`
	EncryptedContent string `json:"encrypted_content"`
}

// DeleteChatPayload removes a chat everywhere.
type DeleteChatPayload struct {
	ChatID string `json:"chat_id"`
}

// SetActiveChatPayload updates which chat this device is looking at. An
// empty ChatID means no chat is open.
type SetActiveChatPayload struct {
	ChatID string `json:"chat_id"`
}

// GetChatMessagesPayload requests one chat's full payload. Opened marks an
// explicit user navigation, which may update the last-opened profile record.
type GetChatMessagesPayload struct {
	ChatID string `json:"chat_id"`
	Opened bool   `json:"opened,omitempty"`
}

// ChatContentBatchPayload prefetches several chats at once.
type ChatContentBatchPayload struct {
	ChatIDs []string `json:"chat_ids"`
}

// MaxBatchChats bounds a single chat_content_batch_request.
const MaxBatchChats = 20

// --- outbound payloads ---

// ComponentUpdatedPayload acknowledges and broadcasts an accepted component
// write (draft_updated, title_updated).
type ComponentUpdatedPayload struct {
	ChatID           string `json:"chat_id"`
	NewVersion       int64  `json:"new_version"`
	EncryptedContent string `json:"encrypted_content,omitempty"`
}

// ConflictPayload rejects a stale component write; the client re-bases on
// CurrentVersion.
type ConflictPayload struct {
	ChatID         string `json:"chat_id"`
	Component      string `json:"component"`
	CurrentVersion int64  `json:"current_version"`
}

// DraftClearedPayload announces a cleared draft.
type DraftClearedPayload struct {
	ChatID string `json:"chat_id"`
	DraftV int64  `json:"draft_v"`
}

// MessageNewPayload broadcasts a newly appended message.
type MessageNewPayload struct {
	ChatID    string   `json:"chat_id"`
	Message   *Message `json:"message"`
	MessagesV int64    `json:"messages_v"`
}

// AIStreamChunkPayload carries one streamed token batch. Delivered only to
// sessions whose active chat matches.
type AIStreamChunkPayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Chunk     string `json:"chunk"`
}

// AIMessageReadyPayload finalizes a streamed assistant message. Delivered to
// every session of the user.
type AIMessageReadyPayload struct {
	ChatID    string   `json:"chat_id"`
	Message   *Message `json:"message"`
	MessagesV int64    `json:"messages_v"`
}

// ChatDeletedPayload announces a chat removal.
type ChatDeletedPayload struct {
	ChatID string `json:"chat_id"`
}

// ChatContentBatchResult answers a batch prefetch. Chats the user cannot
// access are silently omitted.
type ChatContentBatchResult struct {
	Chats []*ChatPayload `json:"chats"`
}

// OfflineRejection reports one rejected offline op by its position in the
// submitted batch.
type OfflineRejection struct {
	Index          int    `json:"index"`
	ChatID         string `json:"chat_id"`
	Component      string `json:"component"`
	CurrentVersion int64  `json:"current_version"`
}

// OfflineSyncResultPayload aggregates the outcome of an offline replay.
// Dropped counts ops skipped because an earlier op on the same chat
// component was rejected.
type OfflineSyncResultPayload struct {
	Applied  int                `json:"applied"`
	Rejected []OfflineRejection `json:"rejected"`
	Dropped  int                `json:"dropped"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ChatID  string `json:"chat_id,omitempty"`
}
