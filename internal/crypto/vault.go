package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/crypto/hkdf"
)

var ErrKeyNotFound = errors.New("vault key not found")

// vaultKeyDoc is the stored form of a wrapped per-chat content key.
type vaultKeyDoc struct {
	Ref        string    `bson:"ref"`
	ChatID     string    `bson:"chatId"`
	WrappedKey string    `bson:"wrappedKey"`
	CreatedAt  time.Time `bson:"createdAt"`
}

// VaultService manages per-chat content keys. Each key is random, wrapped
// with an HKDF-derived key under the master key, and stored alongside the
// chat id that scopes its derivation. The master key itself never leaves
// process memory.
type VaultService struct {
	masterKey []byte
	keys      *mongo.Collection
}

// NewVaultService validates the master key and binds the key collection.
func NewVaultService(masterKey string, keys *mongo.Collection) (*VaultService, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("vault master key must be at least 32 bytes, got %d", len(masterKey))
	}
	return &VaultService{masterKey: []byte(masterKey), keys: keys}, nil
}

// CreateKey mints a fresh content key for a chat, wraps it and persists the
// wrapped form. Returns the opaque reference stored on the chat record.
func (v *VaultService) CreateKey(ctx context.Context, chatID string) (string, error) {
	contentKey := make([]byte, 32)
	if _, err := rand.Read(contentKey); err != nil {
		return "", fmt.Errorf("failed to generate content key: %w", err)
	}

	wrapped, err := v.wrap(chatID, contentKey)
	if err != nil {
		return "", err
	}

	ref := "vk_" + uuid.NewString()
	doc := vaultKeyDoc{
		Ref:        ref,
		ChatID:     chatID,
		WrappedKey: wrapped,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := v.keys.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to store vault key: %w", err)
	}
	return ref, nil
}

// GetKey unwraps and returns the content key behind a reference.
func (v *VaultService) GetKey(ctx context.Context, ref string) ([]byte, error) {
	var doc vaultKeyDoc
	err := v.keys.FindOne(ctx, bson.M{"ref": ref}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to load vault key: %w", err)
	}
	return v.unwrap(doc.ChatID, doc.WrappedKey)
}

// DeleteKey removes a wrapped key. Deleting a missing key is not an error.
func (v *VaultService) DeleteKey(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	if _, err := v.keys.DeleteOne(ctx, bson.M{"ref": ref}); err != nil {
		return fmt.Errorf("failed to delete vault key: %w", err)
	}
	return nil
}

// deriveWrappingKey derives the per-chat wrapping key from the master key.
func (v *VaultService) deriveWrappingKey(chatID string) ([]byte, error) {
	r := hkdf.New(sha256.New, v.masterKey, []byte(chatID), []byte("veilchat-vault-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	return key, nil
}

func (v *VaultService) wrap(chatID string, contentKey []byte) (string, error) {
	wrappingKey, err := v.deriveWrappingKey(chatID)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(wrappingKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, contentKey, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *VaultService) unwrap(chatID, wrapped string) ([]byte, error) {
	wrappingKey, err := v.deriveWrappingKey(chatID)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("malformed wrapped key: %w", err)
	}

	block, err := aes.NewCipher(wrappingKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("malformed wrapped key: too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	contentKey, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap content key: %w", err)
	}
	return contentKey, nil
}
