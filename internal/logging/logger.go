package logging

import (
	"log/slog"
	"os"
	"strings"
)

var logger *slog.Logger

// Init configures the global structured logger. Production gets JSON output
// for log aggregation; everything else gets human-readable text.
func Init(environment string) {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(environment, "production") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// Get returns the configured logger, initializing a default one if Init was
// never called (tests, one-off tools).
func Get() *slog.Logger {
	if logger == nil {
		Init("development")
	}
	return logger
}

// WithSession returns a logger annotated with session identity. Only hashed
// identifiers are ever logged.
func WithSession(userHash, deviceFP string) *slog.Logger {
	return Get().With(
		slog.String("user_hash", truncate(userHash, 12)),
		slog.String("device_fp", truncate(deviceFP, 12)),
	)
}

// WithChat returns a logger annotated with a chat id.
func WithChat(chatID string) *slog.Logger {
	return Get().With(slog.String("chat_id", chatID))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
