package models

import "time"

// Components of a chat that carry independent version counters. A device can
// be current on one component and stale on another; conflict detection and
// delta sync operate per component, never per chat.
const (
	ComponentTitle    = "title"
	ComponentDraft    = "draft"
	ComponentMessages = "messages"
)

// Message lifecycle statuses. sending, streaming and waiting_for_user are
// transient and exist only in cache and frames; synced and failed are
// terminal. Only synced messages reach the document store.
const (
	StatusSending        = "sending"
	StatusStreaming      = "streaming"
	StatusWaitingForUser = "waiting_for_user"
	StatusFailed         = "failed"
	StatusSynced         = "synced"
)

// IsTerminalStatus reports whether a message status is final.
func IsTerminalStatus(s string) bool {
	return s == StatusSynced || s == StatusFailed
}

// Chat is the server-side record of a conversation. All content fields are
// opaque client-encrypted blobs; the server never holds plaintext.
//
// The draft blob and its version are deliberately excluded from bson: drafts
// live solely in the hot cache and must never reach the document store. A
// chat becomes durable only once it holds at least one synced message.
type Chat struct {
	ChatID         string     `bson:"chatId" json:"chat_id"`
	UserHash       string     `bson:"userHash" json:"-"`
	VaultKeyRef    string     `bson:"vaultKeyRef,omitempty" json:"-"`
	EncryptedTitle string     `bson:"encryptedTitle,omitempty" json:"encrypted_title,omitempty"`
	EncryptedDraft string     `bson:"-" json:"encrypted_draft,omitempty"`
	TitleV         int64      `bson:"titleV" json:"title_v"`
	DraftV         int64      `bson:"-" json:"draft_v"`
	MessagesV      int64      `bson:"messagesV" json:"messages_v"`
	CreatedAt      time.Time  `bson:"createdAt" json:"created_at"`
	UpdatedAt      time.Time  `bson:"updatedAt" json:"updated_at"`
	LastMessageAt  *time.Time `bson:"lastMessageAt,omitempty" json:"last_message_at,omitempty"`
	LastEditedAt   time.Time  `bson:"lastEditedAt" json:"last_edited_at"`

	// Persisted tracks whether this chat has ever been written to the
	// document store. In-memory only.
	Persisted bool `bson:"-" json:"-"`
}

// Version returns the current counter for the given component.
func (c *Chat) Version(component string) int64 {
	switch component {
	case ComponentTitle:
		return c.TitleV
	case ComponentDraft:
		return c.DraftV
	case ComponentMessages:
		return c.MessagesV
	}
	return 0
}

// SetVersion updates the counter for the given component.
func (c *Chat) SetVersion(component string, v int64) {
	switch component {
	case ComponentTitle:
		c.TitleV = v
	case ComponentDraft:
		c.DraftV = v
	case ComponentMessages:
		c.MessagesV = v
	}
}

// Clone returns a shallow copy safe to mutate without affecting cached state.
func (c *Chat) Clone() *Chat {
	cp := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	return &cp
}

// Message is a single chat message. Content is an opaque encrypted blob.
type Message struct {
	MessageID        string    `bson:"messageId" json:"message_id"`
	ChatID           string    `bson:"chatId" json:"chat_id"`
	EncryptedContent string    `bson:"encryptedContent" json:"encrypted_content"`
	SenderName       string    `bson:"senderName" json:"sender_name"`
	Status           string    `bson:"status" json:"status"`
	CreatedAt        time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt        time.Time `bson:"updatedAt" json:"updated_at"`
}

// ChatPayload is the full hot payload for one chat: metadata plus message
// history. Served for the active chat on connect and for explicit content
// requests.
type ChatPayload struct {
	Chat     *Chat      `json:"chat"`
	Messages []*Message `json:"messages"`
}

// KnownVersions is a client's last-seen version vector for one chat.
type KnownVersions struct {
	TitleV    int64 `json:"title_v"`
	DraftV    int64 `json:"draft_v"`
	MessagesV int64 `json:"messages_v"`
}

// ComponentUpdate carries one out-of-date component inside a delta. For the
// messages component the content travels separately as Message records and
// only the version is set here.
type ComponentUpdate struct {
	Version int64  `json:"version"`
	Content string `json:"content,omitempty"`
}

// ChatDelta is the per-chat slice of a delta sync response. Only components
// the client is behind on are present.
type ChatDelta struct {
	ChatID        string           `json:"chat_id"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	LastMessageAt *time.Time       `json:"last_message_at,omitempty"`
	Title         *ComponentUpdate `json:"title,omitempty"`
	Draft         *ComponentUpdate `json:"draft,omitempty"`
	Messages      *ComponentUpdate `json:"messages,omitempty"`
}

// DeltaPayload is the full delta sync response. ServerTimestamp is the
// high-water mark the client must present as last_sync_ts next time.
type DeltaPayload struct {
	UpdatedChats    []*ChatDelta `json:"updated_chats"`
	UpdatedMessages []*Message   `json:"updated_messages"`
	Deletions       []string     `json:"deletions"`
	ServerTimestamp time.Time    `json:"server_timestamp"`
}
