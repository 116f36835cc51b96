package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"veilchat/internal/models"
	"veilchat/internal/security"
)

// KeyVault creates and destroys per-chat content keys. Satisfied by
// crypto.VaultService; nil disables key management (tests).
type KeyVault interface {
	CreateKey(ctx context.Context, chatID string) (string, error)
	DeleteKey(ctx context.Context, ref string) error
}

// ChatRepository is the single mutation path for chat state. Every write
// goes through a per-chat lock, the version arbiter, and the write-through
// rule: persisted chats hit the document store first and the cache only
// after the store accepted the write. Published *Chat pointers are treated
// as immutable; mutations clone, modify, then swap.
type ChatRepository struct {
	store   DocumentStore
	cache   *CacheTier
	vault   KeyVault
	arbiter VersionArbiter

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewChatRepository wires the repository to its store, cache and vault.
func NewChatRepository(store DocumentStore, cache *CacheTier, vault KeyVault) *ChatRepository {
	return &ChatRepository{
		store: store,
		cache: cache,
		vault: vault,
		locks: make(map[string]*sync.Mutex),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ChatIDFor derives the server-side chat id from a client-generated uuid.
// The user-hash prefix namespaces ids across users without revealing the
// full hash.
func ChatIDFor(userHash, clientChatID string) string {
	return security.Hash8(userHash) + "_" + clientChatID
}

// lockChat serializes all mutations of one chat. Returns the unlock func.
func (r *ChatRepository) lockChat(chatID string) func() {
	r.mu.Lock()
	l, ok := r.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[chatID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// load resolves a chat to its full hot payload: hot cache, then warm cache,
// then the document store (read-through). Ownership is enforced here; a
// foreign chat id comes back as ErrNotPermitted and callers must present it
// exactly like ErrNotFound.
func (r *ChatRepository) load(ctx context.Context, userHash, chatID string) (*HotEntry, error) {
	if entry, ok := r.cache.GetHot(userHash, chatID); ok {
		return entry, nil
	}

	if chat, ok := r.cache.GetWarm(userHash, chatID); ok {
		entry := &HotEntry{Chat: chat}
		if chat.Persisted {
			msgs, err := r.store.MessagesForChat(ctx, chatID)
			if err != nil {
				return nil, err
			}
			entry.Messages = msgs
		}
		r.cache.PutHot(userHash, chatID, entry)
		return entry, nil
	}

	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !security.Equal(chat.UserHash, userHash) {
		return nil, ErrNotPermitted
	}
	msgs, err := r.store.MessagesForChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	entry := &HotEntry{Chat: chat, Messages: msgs}
	r.cache.PutHot(userHash, chatID, entry)
	return entry, nil
}

// CreateChatWithDraft creates a new draft-only chat at draft_v=1. The chat
// exists only in the hot cache until its first synced message. Re-creating
// an existing id returns the existing chat unchanged.
func (r *ChatRepository) CreateChatWithDraft(ctx context.Context, userHash, clientChatID, draft string) (*models.Chat, error) {
	chatID := ChatIDFor(userHash, clientChatID)
	unlock := r.lockChat(chatID)
	defer unlock()

	existing, err := r.load(ctx, userHash, chatID)
	if err == nil {
		return existing.Chat, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var keyRef string
	if r.vault != nil {
		keyRef, err = r.vault.CreateKey(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat key: %w", err)
		}
	}

	now := r.now()
	chat := &models.Chat{
		ChatID:         chatID,
		UserHash:       userHash,
		VaultKeyRef:    keyRef,
		EncryptedDraft: draft,
		DraftV:         1,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastEditedAt:   now,
	}
	r.cache.PutHot(userHash, chatID, &HotEntry{Chat: chat})
	return chat, nil
}

// EnsureChat returns the chat, creating an empty unpersisted one when it
// does not exist yet (first message into a brand-new chat).
func (r *ChatRepository) EnsureChat(ctx context.Context, userHash, chatID string) (*models.Chat, error) {
	unlock := r.lockChat(chatID)
	defer unlock()

	entry, err := r.load(ctx, userHash, chatID)
	if err == nil {
		return entry.Chat, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var keyRef string
	if r.vault != nil {
		keyRef, err = r.vault.CreateKey(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat key: %w", err)
		}
	}

	now := r.now()
	chat := &models.Chat{
		ChatID:       chatID,
		UserHash:     userHash,
		VaultKeyRef:  keyRef,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastEditedAt: now,
	}
	r.cache.PutHot(userHash, chatID, &HotEntry{Chat: chat})
	return chat, nil
}

// UpdateDraft applies a version-checked draft edit. Drafts never touch the
// document store; an accepted edit lands in the hot cache only.
func (r *ChatRepository) UpdateDraft(ctx context.Context, userHash, chatID string, basedOn int64, blob string) (VersionOutcome, error) {
	unlock := r.lockChat(chatID)
	defer unlock()

	entry, err := r.load(ctx, userHash, chatID)
	if err != nil {
		return VersionOutcome{}, err
	}

	clone := entry.Chat.Clone()
	out := r.arbiter.CheckAndBump(clone, models.ComponentDraft, basedOn)
	if !out.Accepted {
		return out, nil
	}

	now := r.now()
	clone.EncryptedDraft = blob
	clone.UpdatedAt = now
	clone.LastEditedAt = now
	r.cache.PutHot(userHash, chatID, &HotEntry{Chat: clone, Messages: entry.Messages})
	return out, nil
}

// ClearDraft resets a chat's draft to draft_v=0 without bumping
// last_edited_at. Clearing the draft of a draft-only chat removes the chat
// entirely. Idempotent: clearing a missing chat succeeds with exists=false.
func (r *ChatRepository) ClearDraft(ctx context.Context, userHash, chatID string) (exists bool, err error) {
	unlock := r.lockChat(chatID)
	defer unlock()

	entry, err := r.load(ctx, userHash, chatID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if !entry.Chat.Persisted && len(entry.Messages) == 0 {
		r.cache.Evict(userHash, chatID)
		if r.vault != nil {
			if derr := r.vault.DeleteKey(ctx, entry.Chat.VaultKeyRef); derr != nil {
				return false, derr
			}
		}
		return false, nil
	}

	clone := entry.Chat.Clone()
	clone.EncryptedDraft = ""
	clone.DraftV = 0
	clone.UpdatedAt = r.now()
	r.cache.PutHot(userHash, chatID, &HotEntry{Chat: clone, Messages: entry.Messages})
	return true, nil
}

// UpdateTitle applies a version-checked title edit. For persisted chats the
// store is written first; a store failure aborts the edit without touching
// the cache, so a retry sees the old version.
func (r *ChatRepository) UpdateTitle(ctx context.Context, userHash, chatID string, basedOn int64, blob string) (VersionOutcome, error) {
	unlock := r.lockChat(chatID)
	defer unlock()

	entry, err := r.load(ctx, userHash, chatID)
	if err != nil {
		return VersionOutcome{}, err
	}

	clone := entry.Chat.Clone()
	out := r.arbiter.CheckAndBump(clone, models.ComponentTitle, basedOn)
	if !out.Accepted {
		return out, nil
	}

	now := r.now()
	clone.EncryptedTitle = blob
	clone.UpdatedAt = now
	clone.LastEditedAt = now

	if clone.Persisted {
		if err := r.store.PutChat(ctx, clone); err != nil {
			return VersionOutcome{}, err
		}
	}
	r.cache.PutHot(userHash, chatID, &HotEntry{Chat: clone, Messages: entry.Messages})
	return out, nil
}

// AppendMessage appends a message, bumps messages_v and stamps
// last_message_at / last_edited_at. The first synced message makes the chat
// durable; the chat record the store receives never carries draft state.
// created_at is kept strictly monotonic within the chat.
func (r *ChatRepository) AppendMessage(ctx context.Context, userHash, chatID string, msg *models.Message) (*models.Message, *models.Chat, error) {
	unlock := r.lockChat(chatID)
	defer unlock()

	entry, err := r.load(ctx, userHash, chatID)
	if err != nil {
		return nil, nil, err
	}

	now := r.now()
	if n := len(entry.Messages); n > 0 {
		if last := entry.Messages[n-1].CreatedAt; !now.After(last) {
			now = last.Add(time.Millisecond)
		}
	}

	m := *msg
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	m.ChatID = chatID
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = models.StatusSynced
	}

	clone := entry.Chat.Clone()
	clone.MessagesV++
	clone.LastMessageAt = &m.CreatedAt
	clone.LastEditedAt = now
	clone.UpdatedAt = now

	if m.Status == models.StatusSynced {
		clone.Persisted = true
		if err := r.store.PutChat(ctx, clone); err != nil {
			return nil, nil, err
		}
		if err := r.store.PutMessage(ctx, &m); err != nil {
			return nil, nil, err
		}
	}

	msgs := make([]*models.Message, 0, len(entry.Messages)+1)
	msgs = append(msgs, entry.Messages...)
	msgs = append(msgs, &m)
	r.cache.PutHot(userHash, chatID, &HotEntry{Chat: clone, Messages: msgs})
	return &m, clone, nil
}

// DeleteChat removes a chat from both cache tiers, the document store and
// the vault. Deleting an unknown chat succeeds; deleting a foreign chat is
// ErrNotPermitted.
func (r *ChatRepository) DeleteChat(ctx context.Context, userHash, chatID string) error {
	unlock := r.lockChat(chatID)
	defer unlock()

	var keyRef string
	entry, err := r.load(ctx, userHash, chatID)
	switch {
	case err == nil:
		keyRef = entry.Chat.VaultKeyRef
	case errors.Is(err, ErrNotFound):
		// already gone, still idempotent
	default:
		return err
	}

	r.cache.Evict(userHash, chatID)
	if err := r.store.DeleteChat(ctx, chatID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := r.store.DeleteMessagesForChat(ctx, chatID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if r.vault != nil && keyRef != "" {
		if err := r.vault.DeleteKey(ctx, keyRef); err != nil {
			return err
		}
	}
	return nil
}

// GetChatPayload returns the full payload for one chat (read-through).
func (r *ChatRepository) GetChatPayload(ctx context.Context, userHash, chatID string) (*models.ChatPayload, error) {
	unlock := r.lockChat(chatID)
	defer unlock()

	entry, err := r.load(ctx, userHash, chatID)
	if err != nil {
		return nil, err
	}
	return &models.ChatPayload{Chat: entry.Chat, Messages: entry.Messages}, nil
}

// FetchDelta computes the minimal delta a client needs: chats touched since
// last_sync_ts where the server is ahead on at least one component, only the
// out-of-date components, the messages backing an out-of-date messages
// component, and the set of known chats that no longer exist. The returned
// server timestamp is the client's next last_sync_ts.
func (r *ChatRepository) FetchDelta(ctx context.Context, userHash string, lastSync time.Time, known map[string]models.KnownVersions) (*models.DeltaPayload, error) {
	serverTS := r.now()

	storeChats, err := r.store.ChatsUpdatedSince(ctx, userHash, lastSync)
	if err != nil {
		return nil, err
	}

	candidates := make(map[string]*models.Chat, len(storeChats))
	for _, ch := range storeChats {
		candidates[ch.ChatID] = ch
	}
	// Cache state wins over the store copy: it carries drafts and chats the
	// store has never seen.
	for _, ch := range r.cache.CachedChats(userHash) {
		if _, tracked := candidates[ch.ChatID]; tracked || ch.UpdatedAt.After(lastSync) {
			candidates[ch.ChatID] = ch
		}
	}

	delta := &models.DeltaPayload{ServerTimestamp: serverTS}
	var staleMessageChats []string
	for _, ch := range candidates {
		kv := known[ch.ChatID]
		d := &models.ChatDelta{
			ChatID:        ch.ChatID,
			CreatedAt:     ch.CreatedAt,
			UpdatedAt:     ch.UpdatedAt,
			LastMessageAt: ch.LastMessageAt,
		}
		if ch.TitleV > kv.TitleV {
			d.Title = &models.ComponentUpdate{Version: ch.TitleV, Content: ch.EncryptedTitle}
		}
		if ch.DraftV > kv.DraftV {
			d.Draft = &models.ComponentUpdate{Version: ch.DraftV, Content: ch.EncryptedDraft}
		}
		if ch.MessagesV > kv.MessagesV {
			d.Messages = &models.ComponentUpdate{Version: ch.MessagesV}
			staleMessageChats = append(staleMessageChats, ch.ChatID)
		}
		if d.Title == nil && d.Draft == nil && d.Messages == nil {
			continue
		}
		delta.UpdatedChats = append(delta.UpdatedChats, d)
	}
	sort.Slice(delta.UpdatedChats, func(i, j int) bool {
		a, b := delta.UpdatedChats[i], delta.UpdatedChats[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ChatID < b.ChatID
	})

	if len(staleMessageChats) > 0 {
		msgs, err := r.store.MessagesUpdatedSince(ctx, staleMessageChats, lastSync)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			seen[m.MessageID] = true
		}
		delta.UpdatedMessages = msgs
		// Terminal messages that never reached the store (failed sends) only
		// exist in the hot cache.
		for _, chatID := range staleMessageChats {
			he, ok := r.cache.GetHot(userHash, chatID)
			if !ok {
				continue
			}
			for _, m := range he.Messages {
				if seen[m.MessageID] || !models.IsTerminalStatus(m.Status) || !m.CreatedAt.After(lastSync) {
					continue
				}
				seen[m.MessageID] = true
				delta.UpdatedMessages = append(delta.UpdatedMessages, m)
			}
		}
		sort.Slice(delta.UpdatedMessages, func(i, j int) bool {
			return delta.UpdatedMessages[i].CreatedAt.Before(delta.UpdatedMessages[j].CreatedAt)
		})
	}

	if len(known) > 0 {
		existing := make(map[string]bool)
		ids, err := r.store.ChatIDs(ctx, userHash)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			existing[id] = true
		}
		for _, ch := range r.cache.CachedChats(userHash) {
			existing[ch.ChatID] = true
		}
		for id := range known {
			if !existing[id] {
				delta.Deletions = append(delta.Deletions, id)
			}
		}
		sort.Strings(delta.Deletions)
	}

	return delta, nil
}
