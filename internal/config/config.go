package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all environment configuration values for the chat client and
// the local dev server. Values are loaded from a .env file at startup.
type Config struct {
	// Env is "development" or "production"; controls log formatting
	Env string

	// LogLevel is a zerolog level name (debug, info, warn, error)
	LogLevel string

	// ChatHost is the host[:port] serving both /ws/chat and /api/chat
	ChatHost string

	// ChatSecure selects wss/https instead of ws/http
	ChatSecure bool

	// HistoryTimeout bounds the one-time history fetch
	HistoryTimeout time.Duration

	// Reconnect policy for the chat transport
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int
	ReconnectStableAfter time.Duration

	// TokenDB is the sqlite file holding the auth token and user id
	TokenDB string

	// MetricsAddr exposes client metrics when non-empty (e.g. ":9100")
	MetricsAddr string

	// ServerPort is the port the dev server listens on
	ServerPort string

	// CorsOrigins are the origins the dev server allows
	CorsOrigins []string

	// Dev server conversations with no messages for ConversationTTL and no
	// connected clients are dropped every CleanupInterval
	CleanupInterval time.Duration
	ConversationTTL time.Duration

	// DevUsers maps bearer tokens to users on the dev server.
	// Format: "token:id:username,token:id:username"
	DevUsers string
}

// Load reads environment variables and returns a populated Config struct.
// It will load from a .env file if present, then read from environment variables.
// Falls back to sensible defaults if values are not set.
func Load() *Config {
	// Not an error if it doesn't exist, real environment variables may be set instead
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	cfg := &Config{
		Env:                  getEnv("ENV", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		ChatHost:             getEnv("CHAT_HOST", "nattech.fib.upc.edu:40430"),
		ChatSecure:           getEnv("CHAT_SECURE", "false") == "true",
		HistoryTimeout:       getDuration("HISTORY_TIMEOUT", 10*time.Second),
		ReconnectInitial:     getDuration("RECONNECT_INITIAL", 500*time.Millisecond),
		ReconnectMax:         getDuration("RECONNECT_MAX", 30*time.Second),
		ReconnectMaxAttempts: getInt("RECONNECT_MAX_ATTEMPTS", 10),
		ReconnectStableAfter: getDuration("RECONNECT_STABLE_AFTER", 5*time.Second),
		TokenDB:              getEnv("TOKEN_DB", "user_prefs.db"),
		MetricsAddr:          os.Getenv("METRICS_ADDR"),
		ServerPort:           getEnv("PORT", "8080"),
		CorsOrigins:          splitList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")),
		CleanupInterval:      getDuration("CLEANUP_INTERVAL", time.Minute),
		ConversationTTL:      getDuration("CONVERSATION_TTL", 30*time.Minute),
		DevUsers:             getEnv("DEV_USERS", "dev-token:1:dev"),
	}

	if cfg.ChatHost == "" {
		log.Warn().Msg("CHAT_HOST is not set")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid duration, using default")
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid integer, using default")
		return defaultValue
	}
	return n
}

// splitList splits a comma-separated list and trims whitespace
func splitList(value string) []string {
	var out []string
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
