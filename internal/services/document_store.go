package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"veilchat/internal/database"
	"veilchat/internal/models"
)

var (
	// ErrNotFound means the chat or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotPermitted means the record exists but belongs to someone else.
	// Callers surface it identically to ErrNotFound so the reply never
	// reveals whether a foreign chat id exists.
	ErrNotPermitted = errors.New("not found or not permitted")
)

// DocumentStore is the durable backend for chats and messages. The Mongo
// implementation is the only production one; tests substitute an in-memory
// fake.
type DocumentStore interface {
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	PutChat(ctx context.Context, chat *models.Chat) error
	DeleteChat(ctx context.Context, chatID string) error
	ChatIDs(ctx context.Context, userHash string) ([]string, error)
	ChatsUpdatedSince(ctx context.Context, userHash string, since time.Time) ([]*models.Chat, error)

	PutMessage(ctx context.Context, msg *models.Message) error
	MessagesForChat(ctx context.Context, chatID string) ([]*models.Message, error)
	MessagesUpdatedSince(ctx context.Context, chatIDs []string, since time.Time) ([]*models.Message, error)
	DeleteMessagesForChat(ctx context.Context, chatID string) error
}

// StoreOptions tune per-call timeouts and the retry policy for transient
// store failures.
type StoreOptions struct {
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
}

// MongoDocumentStore implements DocumentStore over the chats and messages
// collections.
type MongoDocumentStore struct {
	chats    *mongo.Collection
	messages *mongo.Collection
	opts     StoreOptions
}

// NewMongoDocumentStore binds the store to its collections.
func NewMongoDocumentStore(db *database.MongoDB, opts StoreOptions) *MongoDocumentStore {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	return &MongoDocumentStore{
		chats:    db.Collection(database.ChatsCollection),
		messages: db.Collection(database.MessagesCollection),
		opts:     opts,
	}
}

// withRetry runs op with a per-attempt timeout and bounded exponential
// backoff. Not-found is never retried; everything else is treated as
// transient until attempts run out.
func (s *MongoDocumentStore) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, mongo.ErrNoDocuments) {
			return err
		}
		lastErr = err

		backoff := s.opts.BaseBackoff * (1 << attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("document store exhausted %d attempts: %w", s.opts.MaxRetries, lastErr)
}

func (s *MongoDocumentStore) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var chat models.Chat
	err := s.withRetry(ctx, func(ctx context.Context) error {
		err := s.chats.FindOne(ctx, bson.M{"chatId": chatID}).Decode(&chat)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	chat.Persisted = true
	return &chat, nil
}

func (s *MongoDocumentStore) PutChat(ctx context.Context, chat *models.Chat) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		opts := options.Replace().SetUpsert(true)
		_, err := s.chats.ReplaceOne(ctx, bson.M{"chatId": chat.ChatID}, chat, opts)
		return err
	})
}

func (s *MongoDocumentStore) DeleteChat(ctx context.Context, chatID string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.chats.DeleteOne(ctx, bson.M{"chatId": chatID})
		return err
	})
}

func (s *MongoDocumentStore) ChatIDs(ctx context.Context, userHash string) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		opts := options.Find().SetProjection(bson.M{"chatId": 1})
		cursor, err := s.chats.Find(ctx, bson.M{"userHash": userHash}, opts)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		ids = ids[:0]
		for cursor.Next(ctx) {
			var doc struct {
				ChatID string `bson:"chatId"`
			}
			if err := cursor.Decode(&doc); err != nil {
				return err
			}
			ids = append(ids, doc.ChatID)
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *MongoDocumentStore) ChatsUpdatedSince(ctx context.Context, userHash string, since time.Time) ([]*models.Chat, error) {
	var chats []*models.Chat
	err := s.withRetry(ctx, func(ctx context.Context) error {
		filter := bson.M{
			"userHash":  userHash,
			"updatedAt": bson.M{"$gt": since},
		}
		opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}})
		cursor, err := s.chats.Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		chats = chats[:0]
		for cursor.Next(ctx) {
			var chat models.Chat
			if err := cursor.Decode(&chat); err != nil {
				return err
			}
			chat.Persisted = true
			chats = append(chats, &chat)
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (s *MongoDocumentStore) PutMessage(ctx context.Context, msg *models.Message) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		opts := options.Replace().SetUpsert(true)
		_, err := s.messages.ReplaceOne(ctx, bson.M{"messageId": msg.MessageID}, msg, opts)
		return err
	})
}

func (s *MongoDocumentStore) MessagesForChat(ctx context.Context, chatID string) ([]*models.Message, error) {
	var msgs []*models.Message
	err := s.withRetry(ctx, func(ctx context.Context) error {
		opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
		cursor, err := s.messages.Find(ctx, bson.M{"chatId": chatID}, opts)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		msgs = msgs[:0]
		for cursor.Next(ctx) {
			var msg models.Message
			if err := cursor.Decode(&msg); err != nil {
				return err
			}
			msgs = append(msgs, &msg)
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *MongoDocumentStore) MessagesUpdatedSince(ctx context.Context, chatIDs []string, since time.Time) ([]*models.Message, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	var msgs []*models.Message
	err := s.withRetry(ctx, func(ctx context.Context) error {
		filter := bson.M{
			"chatId":    bson.M{"$in": chatIDs},
			"updatedAt": bson.M{"$gt": since},
		}
		opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
		cursor, err := s.messages.Find(ctx, filter, opts)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)

		msgs = msgs[:0]
		for cursor.Next(ctx) {
			var msg models.Message
			if err := cursor.Decode(&msg); err != nil {
				return err
			}
			msgs = append(msgs, &msg)
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *MongoDocumentStore) DeleteMessagesForChat(ctx context.Context, chatID string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.messages.DeleteMany(ctx, bson.M{"chatId": chatID})
		return err
	})
}
