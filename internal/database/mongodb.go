package database

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names.
const (
	ChatsCollection        = "chats"
	MessagesCollection     = "messages"
	UserDevicesCollection  = "user_devices"
	UserProfilesCollection = "user_profiles"
	VaultKeysCollection    = "vault_keys"
)

// MongoDB wraps the driver client with the database handle and index setup.
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// NewMongoDB connects to MongoDB and verifies the connection.
func NewMongoDB(uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(5 * time.Minute)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := extractDBName(uri)
	if dbName == "" {
		dbName = "veilchat"
	}

	log.Printf("✅ Connected to MongoDB database: %s", dbName)

	return &MongoDB{
		Client:   client,
		Database: client.Database(dbName),
	}, nil
}

// Initialize creates the indexes the sync core depends on. Idempotent.
func (m *MongoDB) Initialize(ctx context.Context) error {
	chatIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "chatId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// Ranged delta queries: all of a user's chats touched since T.
			Keys: bson.D{{Key: "userHash", Value: 1}, {Key: "updatedAt", Value: -1}},
		},
	}
	if _, err := m.Collection(ChatsCollection).Indexes().CreateMany(ctx, chatIndexes); err != nil {
		return fmt.Errorf("failed to create chat indexes: %w", err)
	}

	messageIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "messageId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "chatId", Value: 1}, {Key: "createdAt", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "chatId", Value: 1}, {Key: "updatedAt", Value: -1}},
		},
	}
	if _, err := m.Collection(MessagesCollection).Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	deviceIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userHash", Value: 1}, {Key: "fingerprint", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := m.Collection(UserDevicesCollection).Indexes().CreateMany(ctx, deviceIndexes); err != nil {
		return fmt.Errorf("failed to create device indexes: %w", err)
	}

	profileIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userHash", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := m.Collection(UserProfilesCollection).Indexes().CreateMany(ctx, profileIndexes); err != nil {
		return fmt.Errorf("failed to create profile indexes: %w", err)
	}

	vaultIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "ref", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "chatId", Value: 1}},
		},
	}
	if _, err := m.Collection(VaultKeysCollection).Indexes().CreateMany(ctx, vaultIndexes); err != nil {
		return fmt.Errorf("failed to create vault indexes: %w", err)
	}

	log.Println("✅ MongoDB indexes initialized")
	return nil
}

// Collection returns a handle to a named collection.
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.Database.Collection(name)
}

// Ping verifies the connection is still alive.
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.Client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// extractDBName pulls the database name out of a MongoDB connection URI.
func extractDBName(uri string) string {
	withoutScheme := uri
	if idx := strings.Index(uri, "://"); idx != -1 {
		withoutScheme = uri[idx+3:]
	}
	slash := strings.Index(withoutScheme, "/")
	if slash == -1 {
		return ""
	}
	dbPart := withoutScheme[slash+1:]
	if q := strings.Index(dbPart, "?"); q != -1 {
		dbPart = dbPart[:q]
	}
	return dbPart
}
