package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"veilchat/internal/config"
	"veilchat/internal/models"
	"veilchat/internal/services"
)

const (
	testUser      = "aabbccdd00112233aabbccdd00112233aabbccdd00112233aabbccdd00112233"
	testOtherUser = "ffeeddcc00112233ffeeddcc00112233ffeeddcc00112233ffeeddcc00112233"
)

// memStore is a minimal in-memory DocumentStore for handler tests. Like the
// real store it never sees draft state: PutChat strips it the way bson
// serialization does.
type memStore struct {
	mu       sync.Mutex
	chats    map[string]*models.Chat
	messages map[string][]*models.Message
}

func newMemStore() *memStore {
	return &memStore{
		chats:    make(map[string]*models.Chat),
		messages: make(map[string][]*models.Message),
	}
}

func (s *memStore) GetChat(_ context.Context, chatID string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := chat.Clone()
	cp.Persisted = true
	return cp, nil
}

func (s *memStore) PutChat(_ context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := chat.Clone()
	cp.EncryptedDraft = ""
	cp.DraftV = 0
	s.chats[chat.ChatID] = cp
	return nil
}

func (s *memStore) DeleteChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
	return nil
}

func (s *memStore) ChatIDs(_ context.Context, userHash string) ([]string, error) {
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

func (s *memStore) ChatsUpdatedSince(_ context.Context, userHash string, since time.Time) ([]*models.Chat, error) {
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

func (s *memStore) PutMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *msg
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], &m)
	return nil
}

func (s *memStore) MessagesForChat(_ context.Context, chatID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Message(nil), s.messages[chatID]...), nil
}

func (s *memStore) MessagesUpdatedSince(_ context.Context, chatIDs []string, since time.Time) ([]*models.Message, error) {
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

func (s *memStore) DeleteMessagesForChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, chatID)
	return nil
}

type fakeProfile struct {
	mu         sync.Mutex
	lastOpened map[string]string
}

func newFakeProfile() *fakeProfile {
	return &fakeProfile{lastOpened: make(map[string]string)}
}

func (p *fakeProfile) LastOpenedChat(_ context.Context, userHash string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOpened[userHash], nil
}

func (p *fakeProfile) SetLastOpenedChat(_ context.Context, userHash, chatID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastOpened[userHash] = chatID
	return nil
}

func (p *fakeProfile) ClearLastOpenedChat(_ context.Context, userHash, chatID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastOpened[userHash] == chatID {
		p.lastOpened[userHash] = ""
	}
	return nil
}

type fakeLimiter struct {
	allow bool
}

func (l *fakeLimiter) Allow(context.Context, string) (bool, error) {
	return l.allow, nil
}

func newTestDeps() (*Deps, *fakeProfile) {
	store := newMemStore()
	cache := services.NewCacheTier(3, 100, 30*time.Minute)
	repo := services.NewChatRepository(store, cache, nil)
	profile := newFakeProfile()
	return &Deps{
		Cfg:     &config.Config{PersistLastOpenedOnOpen: true},
		Repo:    repo,
		Conns:   services.NewConnectionManager(),
		Profile: profile,
	}, profile
}

func connectSession(d *Deps, userHash, deviceFP string) *models.Session {
	sess := models.NewSession("sess-"+deviceFP, userHash, deviceFP, nil, 32)
	d.Conns.Accept(sess)
	return sess
}

func mustPayload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func collectFrames(sess *models.Session) []models.ServerFrame {
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

func frameTypes(frames []models.ServerFrame) []string {
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	return types
}

// seedPersistedChat creates a chat with one synced message through the
// repository, as message_received would.
func seedPersistedChat(t *testing.T, d *Deps, userHash, clientID string) string {
	t.Helper()
	ctx := context.Background()
	chatID := services.ChatIDFor(userHash, clientID)
	if _, err := d.Repo.EnsureChat(ctx, userHash, chatID); err != nil {
		t.Fatalf("EnsureChat: %v", err)
	}
	if _, _, err := d.Repo.AppendMessage(ctx, userHash, chatID, &models.Message{
		EncryptedContent: "seed",
		SenderName:       "user",
		Status:           models.StatusSynced,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return chatID
}
