package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all environment-driven settings for the sync server.
type Config struct {
	// Server
	Port        string
	Environment string

	// Auth
	JWTSecret    string
	UserHashSalt string

	// Backing services
	MongoURI  string
	MongoDB   string
	RedisURL  string
	MasterKey string // vault master key, hex or raw

	// Cache tier
	HotCachePerUser  int
	WarmCachePerUser int
	CacheSlidingTTL  time.Duration

	// Sessions
	SessionQueueCap        int
	HeartbeatInterval      time.Duration
	HeartbeatMissThreshold int

	// Rate limits
	FrameRatePerSecond     float64
	FrameBurst             int
	ExpensiveRatePerMinute int
	WSConnectsPerMinute    int

	// Document store resilience
	StoreTimeout     time.Duration
	StoreMaxRetries  int
	StoreBaseBackoff time.Duration

	// Behavior toggles
	PersistLastOpenedOnOpen bool

	// Worker plumbing
	PreprocessQueueKey string
	WorkerEventChannel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		JWTSecret:    getEnv("JWT_SECRET", ""),
		UserHashSalt: getEnv("USER_HASH_SALT", ""),

		MongoURI:  getEnv("MONGODB_URI", "mongodb://localhost:27017/veilchat"),
		MongoDB:   getEnv("MONGODB_DATABASE", "veilchat"),
		RedisURL:  getEnv("REDIS_URL", "redis://localhost:6379"),
		MasterKey: getEnv("VAULT_MASTER_KEY", ""),

		HotCachePerUser:  getIntEnv("HOT_CACHE_PER_USER", 3),
		WarmCachePerUser: getIntEnv("WARM_CACHE_PER_USER", 100),
		CacheSlidingTTL:  time.Duration(getIntEnv("CACHE_SLIDING_TTL_SECONDS", 1800)) * time.Second,

		SessionQueueCap:        getIntEnv("SESSION_OUTBOUND_QUEUE_CAP", 100),
		HeartbeatInterval:      time.Duration(getIntEnv("HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
		HeartbeatMissThreshold: getIntEnv("HEARTBEAT_MISS_THRESHOLD", 2),

		FrameRatePerSecond:     float64(getIntEnv("FRAME_RATE_LIMIT_PER_SECOND", 20)),
		FrameBurst:             getIntEnv("FRAME_RATE_LIMIT_BURST", 40),
		ExpensiveRatePerMinute: getIntEnv("EXPENSIVE_RATE_LIMIT_PER_MINUTE", 12),
		WSConnectsPerMinute:    getIntEnv("WS_CONNECTS_PER_MINUTE", 30),

		StoreTimeout:     time.Duration(getIntEnv("DOCUMENT_STORE_TIMEOUT_MS", 5000)) * time.Millisecond,
		StoreMaxRetries:  getIntEnv("DOCUMENT_STORE_MAX_RETRIES", 3),
		StoreBaseBackoff: time.Duration(getIntEnv("DOCUMENT_STORE_BASE_BACKOFF_MS", 100)) * time.Millisecond,

		PersistLastOpenedOnOpen: getBoolEnv("PERSIST_LAST_OPENED_ON_OPEN", true),

		PreprocessQueueKey: getEnv("PREPROCESS_QUEUE_KEY", "jobs:preprocess"),
		WorkerEventChannel: getEnv("WORKER_EVENT_CHANNEL", "workers:events"),
	}
}

// IsProduction reports whether the server runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ReadDeadline is how long a session may stay silent (no pong, no frame)
// before the server considers it dead.
func (c *Config) ReadDeadline() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatMissThreshold)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
