package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"veilchat/internal/models"
)

// fakeStore is an in-memory DocumentStore. Writes go through the same
// serialization boundary as the bson driver: stored chats are clones with
// the draft fields stripped, exactly like the real store never seeing them.
type fakeStore struct {
	mu       sync.Mutex
	chats    map[string]*models.Chat
	messages map[string][]*models.Message
	failPuts bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:    make(map[string]*models.Chat),
		messages: make(map[string][]*models.Message),
	}
}

var errFakeStoreDown = errors.New("store unavailable")

func (s *fakeStore) GetChat(_ context.Context, chatID string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := chat.Clone()
	cp.Persisted = true
	return cp, nil
}

func (s *fakeStore) PutChat(_ context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPuts {
		return errFakeStoreDown
	}
	cp := chat.Clone()
	cp.EncryptedDraft = ""
	cp.DraftV = 0
	s.chats[chat.ChatID] = cp
	return nil
}

func (s *fakeStore) DeleteChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
	return nil
}

func (s *fakeStore) ChatIDs(_ context.Context, userHash string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, chat := range s.chats {
		if chat.UserHash == userHash {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeStore) ChatsUpdatedSince(_ context.Context, userHash string, since time.Time) ([]*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Chat
	for _, chat := range s.chats {
		if chat.UserHash == userHash && chat.UpdatedAt.After(since) {
			cp := chat.Clone()
			cp.Persisted = true
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *fakeStore) PutMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPuts {
		return errFakeStoreDown
	}
	m := *msg
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], &m)
	return nil
}

func (s *fakeStore) MessagesForChat(_ context.Context, chatID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Message(nil), s.messages[chatID]...), nil
}

func (s *fakeStore) MessagesUpdatedSince(_ context.Context, chatIDs []string, since time.Time) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, id := range chatIDs {
		for _, m := range s.messages[id] {
			if m.UpdatedAt.After(since) {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteMessagesForChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, chatID)
	return nil
}

func (s *fakeStore) chatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

func (s *fakeStore) storedChat(chatID string) *models.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[chatID]
}

type fakeVault struct {
	mu      sync.Mutex
	created []string
	deleted []string
}

func (v *fakeVault) CreateKey(_ context.Context, chatID string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ref := "vk_" + chatID
	v.created = append(v.created, ref)
	return ref, nil
}

func (v *fakeVault) DeleteKey(_ context.Context, ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleted = append(v.deleted, ref)
	return nil
}

func newTestRepo() (*ChatRepository, *fakeStore, *fakeVault) {
	store := newFakeStore()
	vault := &fakeVault{}
	cache := NewCacheTier(3, 100, 30*time.Minute)
	return NewChatRepository(store, cache, vault), store, vault
}

const testUser = "aabbccdd00112233aabbccdd00112233aabbccdd00112233aabbccdd00112233"

func TestCreateChatWithDraft(t *testing.T) {
	repo, store, vault := newTestRepo()
	ctx := context.Background()

	chat, err := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "enc-draft")
	if err != nil {
		t.Fatalf("CreateChatWithDraft: %v", err)
	}
	if chat.ChatID != "aabbccdd_uuid-1" {
		t.Errorf("chat id = %s, want aabbccdd_uuid-1", chat.ChatID)
	}
	if chat.DraftV != 1 {
		t.Errorf("draft version = %d, want 1", chat.DraftV)
	}
	if chat.Persisted {
		t.Error("draft-only chat must not be marked persisted")
	}
	if store.chatCount() != 0 {
		t.Error("draft-only chat must not reach the document store")
	}
	if len(vault.created) != 1 {
		t.Errorf("expected 1 vault key, got %d", len(vault.created))
	}

	// Re-creating the same id returns the existing chat unchanged.
	again, err := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "other-draft")
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if again.DraftV != 1 || again.EncryptedDraft != "enc-draft" {
		t.Error("re-creation must not overwrite the existing chat")
	}
}

func TestDraftLifecycleStaysOutOfStore(t *testing.T) {
	repo, store, _ := newTestRepo()
	ctx := context.Background()

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "v1")
	out, err := repo.UpdateDraft(ctx, testUser, chat.ChatID, 1, "v2")
	if err != nil || !out.Accepted {
		t.Fatalf("draft update should be accepted: %+v, %v", out, err)
	}
	if out.NewVersion != 2 {
		t.Errorf("new version = %d, want 2", out.NewVersion)
	}
	if store.chatCount() != 0 {
		t.Fatal("draft edits must never touch the document store")
	}

	exists, err := repo.ClearDraft(ctx, testUser, chat.ChatID)
	if err != nil {
		t.Fatalf("ClearDraft: %v", err)
	}
	if exists {
		t.Error("clearing the draft of a draft-only chat should remove the chat")
	}
	if _, err := repo.GetChatPayload(ctx, testUser, chat.ChatID); !errors.Is(err, ErrNotFound) {
		t.Errorf("chat should be gone, got %v", err)
	}
}

func TestDraftUpdateConflict(t *testing.T) {
	repo, _, _ := newTestRepo()
	ctx := context.Background()

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "v1")

	out, err := repo.UpdateDraft(ctx, testUser, chat.ChatID, 0, "stale")
	if err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	if out.Accepted {
		t.Fatal("stale base must be rejected")
	}
	if out.CurrentVersion != 1 {
		t.Errorf("rejection should echo current version 1, got %d", out.CurrentVersion)
	}

	// The rejected write must leave the draft untouched.
	payload, _ := repo.GetChatPayload(ctx, testUser, chat.ChatID)
	if payload.Chat.EncryptedDraft != "v1" || payload.Chat.DraftV != 1 {
		t.Error("rejected write modified the chat")
	}
}

func TestConcurrentDraftUpdatesExactlyOneWins(t *testing.T) {
	repo, _, _ := newTestRepo()
	ctx := context.Background()

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "base")

	var wg sync.WaitGroup
	outcomes := make([]VersionOutcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := repo.UpdateDraft(ctx, testUser, chat.ChatID, 1, "contender")
			if err != nil {
				t.Errorf("UpdateDraft: %v", err)
				return
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, out := range outcomes {
		if out.Accepted {
			accepted++
			if out.NewVersion != 2 {
				t.Errorf("winner version = %d, want 2", out.NewVersion)
			}
		} else if out.CurrentVersion != 2 {
			t.Errorf("loser should see current version 2, got %d", out.CurrentVersion)
		}
	}
	if accepted != 1 {
		t.Fatalf("exactly one concurrent write must win, got %d", accepted)
	}
}

func TestAppendMessagePersistsChatWithoutDraft(t *testing.T) {
	repo, store, _ := newTestRepo()
	ctx := context.Background()

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "draft-text")
	msg, updated, err := repo.AppendMessage(ctx, testUser, chat.ChatID, &models.Message{
		EncryptedContent: "enc-msg",
		SenderName:       "user",
		Status:           models.StatusSynced,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg.MessageID == "" {
		t.Error("message id should be assigned")
	}
	if updated.MessagesV != 1 {
		t.Errorf("messages version = %d, want 1", updated.MessagesV)
	}
	if updated.LastMessageAt == nil {
		t.Error("last_message_at should be stamped")
	}
	if !updated.Persisted {
		t.Error("first synced message must persist the chat")
	}

	stored := store.storedChat(chat.ChatID)
	if stored == nil {
		t.Fatal("chat should be in the store")
	}
	if stored.EncryptedDraft != "" || stored.DraftV != 0 {
		t.Error("the persisted copy must never carry draft state")
	}

	// The hot cache keeps the draft alongside the now-durable chat.
	payload, _ := repo.GetChatPayload(ctx, testUser, chat.ChatID)
	if payload.Chat.EncryptedDraft != "draft-text" || payload.Chat.DraftV != 1 {
		t.Error("draft should survive persistence in the cache")
	}
	if len(payload.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(payload.Messages))
	}
}

func TestAppendMessageMonotonicCreatedAt(t *testing.T) {
	repo, _, _ := newTestRepo()
	ctx := context.Background()

	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "d")
	first, _, err := repo.AppendMessage(ctx, testUser, chat.ChatID, &models.Message{EncryptedContent: "a", Status: models.StatusSynced})
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := repo.AppendMessage(ctx, testUser, chat.ChatID, &models.Message{EncryptedContent: "b", Status: models.StatusSynced})
	if err != nil {
		t.Fatal(err)
	}
	if !second.CreatedAt.After(first.CreatedAt) {
		t.Errorf("created_at must be strictly monotonic per chat: %v then %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestTitleUpdateWriteThrough(t *testing.T) {
	repo, store, _ := newTestRepo()
	ctx := context.Background()

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "d")
	if _, _, err := repo.AppendMessage(ctx, testUser, chat.ChatID, &models.Message{EncryptedContent: "m", Status: models.StatusSynced}); err != nil {
		t.Fatal(err)
	}

	out, err := repo.UpdateTitle(ctx, testUser, chat.ChatID, 0, "enc-title")
	if err != nil || !out.Accepted {
		t.Fatalf("UpdateTitle: %+v, %v", out, err)
	}

	stored := store.storedChat(chat.ChatID)
	if stored.TitleV != 1 || stored.EncryptedTitle != "enc-title" {
		t.Errorf("store should carry the new title: v%d %q", stored.TitleV, stored.EncryptedTitle)
	}
}

func TestTitleUpdateStoreFailureAborts(t *testing.T) {
	repo, store, _ := newTestRepo()
	ctx := context.Background()

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "d")
	if _, _, err := repo.AppendMessage(ctx, testUser, chat.ChatID, &models.Message{EncryptedContent: "m", Status: models.StatusSynced}); err != nil {
		t.Fatal(err)
	}

	store.failPuts = true
	if _, err := repo.UpdateTitle(ctx, testUser, chat.ChatID, 0, "enc-title"); err == nil {
		t.Fatal("store failure must surface as an error")
	}
	store.failPuts = false

	// The failed write must not have advanced the version anywhere.
	payload, _ := repo.GetChatPayload(ctx, testUser, chat.ChatID)
	if payload.Chat.TitleV != 0 || payload.Chat.EncryptedTitle != "" {
		t.Error("aborted write leaked into the cache")
	}
	out, err := repo.UpdateTitle(ctx, testUser, chat.ChatID, 0, "enc-title")
	if err != nil || !out.Accepted {
		t.Errorf("retry on the same base should win: %+v, %v", out, err)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	repo, _, _ := newTestRepo()
	ctx := context.Background()

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "d")
	if _, _, err := repo.AppendMessage(ctx, testUser, chat.ChatID, &models.Message{EncryptedContent: "m", Status: models.StatusSynced}); err != nil {
		t.Fatal(err)
	}

	otherUser := "ffeeddcc00112233ffeeddcc00112233ffeeddcc00112233ffeeddcc00112233"
	_, err := repo.GetChatPayload(ctx, otherUser, chat.ChatID)
	if !errors.Is(err, ErrNotPermitted) {
		t.Errorf("foreign chat access should be ErrNotPermitted, got %v", err)
	}
}

func TestDeleteChatIdempotent(t *testing.T) {
	repo, store, vault := newTestRepo()
	ctx := context.Background()

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "d")
	if _, _, err := repo.AppendMessage(ctx, testUser, chat.ChatID, &models.Message{EncryptedContent: "m", Status: models.StatusSynced}); err != nil {
		t.Fatal(err)
	}

	if err := repo.DeleteChat(ctx, testUser, chat.ChatID); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if store.chatCount() != 0 {
		t.Error("chat should be gone from the store")
	}
	if len(vault.deleted) != 1 {
		t.Errorf("vault key should be deleted, got %d deletions", len(vault.deleted))
	}
	if _, err := repo.GetChatPayload(ctx, testUser, chat.ChatID); !errors.Is(err, ErrNotFound) {
		t.Errorf("chat should be gone, got %v", err)
	}

	if err := repo.DeleteChat(ctx, testUser, chat.ChatID); err != nil {
		t.Errorf("second delete must be a no-op, got %v", err)
	}
}

func TestFetchDeltaMinimality(t *testing.T) {
	repo, _, _ := newTestRepo()
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour)

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "d")
	if _, _, err := repo.AppendMessage(ctx, testUser, chat.ChatID, &models.Message{EncryptedContent: "m", Status: models.StatusSynced}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.UpdateTitle(ctx, testUser, chat.ChatID, 0, "t1"); err != nil {
		t.Fatal(err)
	}

	// The client is current on draft and messages, behind on title only.
	known := map[string]models.KnownVersions{
		chat.ChatID: {TitleV: 0, DraftV: 1, MessagesV: 1},
	}
	delta, err := repo.FetchDelta(ctx, testUser, start, known)
	if err != nil {
		t.Fatalf("FetchDelta: %v", err)
	}
	if len(delta.UpdatedChats) != 1 {
		t.Fatalf("expected 1 updated chat, got %d", len(delta.UpdatedChats))
	}
	d := delta.UpdatedChats[0]
	if d.Title == nil || d.Title.Version != 1 || d.Title.Content != "t1" {
		t.Errorf("title component missing or wrong: %+v", d.Title)
	}
	if d.Draft != nil || d.Messages != nil {
		t.Error("up-to-date components must be omitted")
	}
	if len(delta.UpdatedMessages) != 0 {
		t.Errorf("no messages should travel when messages are current, got %d", len(delta.UpdatedMessages))
	}
}

func TestFetchDeltaIncludesDraftOnlyChats(t *testing.T) {
	repo, _, _ := newTestRepo()
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour)

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "draft-blob")

	delta, err := repo.FetchDelta(ctx, testUser, start, nil)
	if err != nil {
		t.Fatalf("FetchDelta: %v", err)
	}
	if len(delta.UpdatedChats) != 1 || delta.UpdatedChats[0].ChatID != chat.ChatID {
		t.Fatalf("draft-only chat missing from delta: %+v", delta.UpdatedChats)
	}
	d := delta.UpdatedChats[0]
	if d.Draft == nil || d.Draft.Version != 1 || d.Draft.Content != "draft-blob" {
		t.Errorf("draft component wrong: %+v", d.Draft)
	}
}

func TestFetchDeltaReportsDeletions(t *testing.T) {
	repo, _, _ := newTestRepo()
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour)

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "d")
	if _, _, err := repo.AppendMessage(ctx, testUser, chat.ChatID, &models.Message{EncryptedContent: "m", Status: models.StatusSynced}); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteChat(ctx, testUser, chat.ChatID); err != nil {
		t.Fatal(err)
	}

	known := map[string]models.KnownVersions{chat.ChatID: {MessagesV: 1}}
	delta, err := repo.FetchDelta(ctx, testUser, start, known)
	if err != nil {
		t.Fatalf("FetchDelta: %v", err)
	}
	if len(delta.Deletions) != 1 || delta.Deletions[0] != chat.ChatID {
		t.Errorf("deletion missing: %+v", delta.Deletions)
	}
}

func TestFetchDeltaEmptyOnImmediateResync(t *testing.T) {
	repo, _, _ := newTestRepo()
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Hour)

	chat, _ := repo.CreateChatWithDraft(ctx, testUser, "uuid-1", "d")
	if _, _, err := repo.AppendMessage(ctx, testUser, chat.ChatID, &models.Message{EncryptedContent: "m", Status: models.StatusSynced}); err != nil {
		t.Fatal(err)
	}

	first, err := repo.FetchDelta(ctx, testUser, start, nil)
	if err != nil {
		t.Fatalf("first FetchDelta: %v", err)
	}
	if len(first.UpdatedChats) != 1 {
		t.Fatalf("expected 1 updated chat, got %d", len(first.UpdatedChats))
	}

	// Apply the delta client-side, then sync again at the returned mark.
	known := make(map[string]models.KnownVersions)
	for _, d := range first.UpdatedChats {
		kv := models.KnownVersions{}
		if d.Title != nil {
			kv.TitleV = d.Title.Version
		}
		if d.Draft != nil {
			kv.DraftV = d.Draft.Version
		}
		if d.Messages != nil {
			kv.MessagesV = d.Messages.Version
		}
		known[d.ChatID] = kv
	}

	second, err := repo.FetchDelta(ctx, testUser, first.ServerTimestamp, known)
	if err != nil {
		t.Fatalf("second FetchDelta: %v", err)
	}
	if len(second.UpdatedChats) != 0 || len(second.UpdatedMessages) != 0 || len(second.Deletions) != 0 {
		t.Errorf("immediate resync must be empty: %+v", second)
	}
}
