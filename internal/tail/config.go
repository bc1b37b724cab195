package tail

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	APIBaseURL    string // Base URL for the auth + resource API
	StreamBaseURL string // Base URL for the streaming endpoint

	Email    string // Optional: login email; empty runs in demo mode
	Password string // Optional: login password

	Target string // Subscription target to tail (default: demo-patient)

	HeartbeatInterval time.Duration // Stream ping cadence (default: 30s)
	BackoffBase       time.Duration // First reconnect delay (default: 1s)
	MaxAttempts       int           // Reconnect attempts before degrading (default: 5)

	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: text)
}

func LoadConfig() Config {
	return Config{
		APIBaseURL:    getEnvOrDefault("SENTIO_API_URL", "http://localhost:8080"),
		StreamBaseURL: getEnvOrDefault("SENTIO_STREAM_URL", "ws://localhost:8080"),

		Email:    os.Getenv("SENTIO_EMAIL"),
		Password: os.Getenv("SENTIO_PASSWORD"),

		Target: getEnvOrDefault("SENTIO_TARGET", "demo-patient"),

		HeartbeatInterval: getEnvDurationOrDefault("SENTIO_HEARTBEAT_INTERVAL", 30*time.Second),
		BackoffBase:       getEnvDurationOrDefault("SENTIO_BACKOFF_BASE", time.Second),
		MaxAttempts:       getEnvIntOrDefault("SENTIO_MAX_ATTEMPTS", 5),

		Env:       getEnvOrDefault("ENV", "dev"),
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
