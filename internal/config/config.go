package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Key store backends.
const (
	KeyStoreDB     = "db"
	KeyStorePebble = "pebble"
	KeyStoreMemory = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Event forwarding
	AMQPURL      string
	AMQPExchange string

	// Encryption
	KeyStore       string // "db", "pebble" or "memory"
	PebbleDir      string
	MasterKey      string // base64, 32 bytes
	BoundarySecret string // base64, 32 bytes

	// Admin API
	AdminPublicKeys []string // base64 Ed25519 public keys

	TenantsFile       string
	HeartbeatInterval time.Duration

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        os.Getenv("SQLITE_PATH"),
		RedisURL:          os.Getenv("REDIS_URL"),
		AMQPURL:           os.Getenv("AMQP_URL"),
		AMQPExchange:      getEnv("AMQP_EXCHANGE", "switchboard.events"),
		KeyStore:          getEnv("KEY_STORE", KeyStoreDB),
		PebbleDir:         getEnv("PEBBLE_DIR", "data/keys"),
		MasterKey:         os.Getenv("MASTER_KEY"),
		BoundarySecret:    os.Getenv("BOUNDARY_SECRET"),
		AdminPublicKeys:   splitList(os.Getenv("ADMIN_PUBLIC_KEY")),
		TenantsFile:       os.Getenv("TENANTS_FILE"),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		AutoBlockEnabled:  getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	cfg.RateLimitWhitelist = splitList(os.Getenv("RATE_LIMIT_WHITELIST"))

	// In production, require durable storage and real key material
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.MasterKey == "" {
			panic("MASTER_KEY is required in production")
		}
		if cfg.BoundarySecret == "" {
			panic("BOUNDARY_SECRET is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

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
