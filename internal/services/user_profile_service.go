package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// userProfileDoc is the small per-user settings record. Only the fields the
// sync core needs live here.
type userProfileDoc struct {
	UserHash         string    `bson:"userHash"`
	LastOpenedChatID string    `bson:"lastOpenedChatId,omitempty"`
	UpdatedAt        time.Time `bson:"updatedAt"`
}

// UserProfileService answers "which chat did this user last open" for the
// initial sync anchor. Reads go through a short-lived in-process cache since
// every reconnect asks the same question.
type UserProfileService struct {
	profiles *mongo.Collection
	cache    *gocache.Cache
}

// NewUserProfileService binds the service to the profiles collection.
func NewUserProfileService(profiles *mongo.Collection) *UserProfileService {
	return &UserProfileService{
		profiles: profiles,
		cache:    gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// LastOpenedChat returns the user's last explicitly opened chat, or "" when
// none is recorded.
func (s *UserProfileService) LastOpenedChat(ctx context.Context, userHash string) (string, error) {
	if v, ok := s.cache.Get(userHash); ok {
		return v.(string), nil
	}

	var doc userProfileDoc
	err := s.profiles.FindOne(ctx, bson.M{"userHash": userHash}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			s.cache.SetDefault(userHash, "")
			return "", nil
		}
		return "", fmt.Errorf("failed to load profile: %w", err)
	}

	s.cache.SetDefault(userHash, doc.LastOpenedChatID)
	return doc.LastOpenedChatID, nil
}

// SetLastOpenedChat records an explicit chat open.
func (s *UserProfileService) SetLastOpenedChat(ctx context.Context, userHash, chatID string) error {
	update := bson.M{"$set": bson.M{
		"lastOpenedChatId": chatID,
		"updatedAt":        time.Now().UTC(),
	}}
	opts := options.Update().SetUpsert(true)
	if _, err := s.profiles.UpdateOne(ctx, bson.M{"userHash": userHash}, update, opts); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	s.cache.SetDefault(userHash, chatID)
	return nil
}

// ClearLastOpenedChat drops the record when the chat it points at is
// deleted.
func (s *UserProfileService) ClearLastOpenedChat(ctx context.Context, userHash, chatID string) error {
	filter := bson.M{"userHash": userHash, "lastOpenedChatId": chatID}
	update := bson.M{"$set": bson.M{
		"lastOpenedChatId": "",
		"updatedAt":        time.Now().UTC(),
	}}
	if _, err := s.profiles.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to clear profile: %w", err)
	}
	if v, ok := s.cache.Get(userHash); ok && v.(string) == chatID {
		s.cache.SetDefault(userHash, "")
	}
	return nil
}
