package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"veilchat/internal/security"
)

// Unambiguous alphabet for verification codes (no 0/O, 1/I/L).
const stepUpCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	stepUpCodeLength = 8
	stepUpCodeTTL    = 5 * time.Minute
	stepUpGraceTTL   = 10 * time.Minute
)

var ErrInvalidStepUpCode = errors.New("invalid or expired step-up code")

// deviceDoc is a known device fingerprint for a user.
type deviceDoc struct {
	UserHash    string    `bson:"userHash"`
	Fingerprint string    `bson:"fingerprint"`
	FirstSeenAt time.Time `bson:"firstSeenAt"`
	LastSeenAt  time.Time `bson:"lastSeenAt"`
}

type pendingStepUp struct {
	userHash    string
	fingerprint string
	code        string
}

// StepUpService gates unknown devices. A session presenting a fingerprint
// the user has never used gets a one-time code (delivered out-of-band by the
// account layer); until the code is verified the socket carries no chat
// traffic. Verified fingerprints are registered durably.
type StepUpService struct {
	devices  *mongo.Collection
	pending  *gocache.Cache // key: userHash:fp -> pendingStepUp
	verified *gocache.Cache // key: userHash:fp -> true, short grace window
}

// NewStepUpService binds the service to the device registry collection.
func NewStepUpService(devices *mongo.Collection) *StepUpService {
	return &StepUpService{
		devices:  devices,
		pending:  gocache.New(stepUpCodeTTL, 10*time.Minute),
		verified: gocache.New(stepUpGraceTTL, 10*time.Minute),
	}
}

func stepUpKey(userHash, fingerprint string) string {
	return userHash + ":" + fingerprint
}

// IsKnownDevice reports whether this fingerprint has been verified for this
// user before.
func (s *StepUpService) IsKnownDevice(ctx context.Context, userHash, fingerprint string) (bool, error) {
	if _, ok := s.verified.Get(stepUpKey(userHash, fingerprint)); ok {
		return true, nil
	}

	filter := bson.M{"userHash": userHash, "fingerprint": fingerprint}
	err := s.devices.FindOne(ctx, filter).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("failed to look up device: %w", err)
	}

	s.touchDevice(ctx, userHash, fingerprint)
	s.verified.SetDefault(stepUpKey(userHash, fingerprint), true)
	return true, nil
}

// BeginChallenge issues (or re-issues) a one-time code for an unknown
// device. The code is returned to the caller for out-of-band delivery and is
// never sent down the unverified socket.
func (s *StepUpService) BeginChallenge(userHash, fingerprint string) (string, error) {
	key := stepUpKey(userHash, fingerprint)
	if v, ok := s.pending.Get(key); ok {
		return v.(pendingStepUp).code, nil
	}

	code, err := generateStepUpCode()
	if err != nil {
		return "", err
	}
	s.pending.SetDefault(key, pendingStepUp{
		userHash:    userHash,
		fingerprint: fingerprint,
		code:        code,
	})
	log.Printf("🔐 Step-up challenge issued for device %.12s", fingerprint)
	return code, nil
}

// VerifyCode consumes a one-time code. On success the device is registered
// durably and marked verified for the grace window.
func (s *StepUpService) VerifyCode(ctx context.Context, userHash, fingerprint, code string) error {
	key := stepUpKey(userHash, fingerprint)
	v, ok := s.pending.Get(key)
	if !ok {
		return ErrInvalidStepUpCode
	}
	challenge := v.(pendingStepUp)
	if !security.Equal(challenge.code, code) {
		return ErrInvalidStepUpCode
	}
	s.pending.Delete(key)

	now := time.Now().UTC()
	filter := bson.M{"userHash": userHash, "fingerprint": fingerprint}
	update := bson.M{
		"$set":         bson.M{"lastSeenAt": now},
		"$setOnInsert": bson.M{"userHash": userHash, "fingerprint": fingerprint, "firstSeenAt": now},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.devices.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	s.verified.SetDefault(key, true)
	log.Printf("✅ Device verified %.12s", fingerprint)
	return nil
}

// IsVerified reports whether a pending device finished step-up within the
// grace window. Used by a waiting socket to resume.
func (s *StepUpService) IsVerified(userHash, fingerprint string) bool {
	_, ok := s.verified.Get(stepUpKey(userHash, fingerprint))
	return ok
}

func (s *StepUpService) touchDevice(ctx context.Context, userHash, fingerprint string) {
	filter := bson.M{"userHash": userHash, "fingerprint": fingerprint}
	update := bson.M{"$set": bson.M{"lastSeenAt": time.Now().UTC()}}
	if _, err := s.devices.UpdateOne(ctx, filter, update); err != nil {
		log.Printf("⚠️ Failed to touch device record: %v", err)
	}
}

func generateStepUpCode() (string, error) {
	code := make([]byte, stepUpCodeLength)
	max := big.NewInt(int64(len(stepUpCodeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate step-up code: %w", err)
		}
		code[i] = stepUpCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
