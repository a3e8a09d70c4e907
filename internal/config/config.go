package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config holds all application configuration.
type Config struct {
	// Server
	ServerAddr     string
	Env            string // "development" or "production"
	AllowedOrigins []string
	LogLevel       slog.Level

	// Auth
	JWTSigningKey string
	TokenTTL      time.Duration

	// Persistence
	StoreBackend  string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string

	// PubSub
	PubSubType string // "memory", "redis" or "nats"
	RedisURL   string
	NatsURL    string

	// Uploads. R2 is used when fully configured, the local disk otherwise.
	UploadDir         string
	MaxUploadBytes    int64
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Bucket          string
	R2PublicURL       string
	R2URLExpiry       time.Duration

	// Realtime
	UserLookupTimeout time.Duration
	RateLimitPerMin   int
}

// Load reads configuration from environment variables, after merging a
// local .env file when one exists.
func Load() (*Config, error) {
	// Missing .env is normal outside development
	_ = godotenv.Load()

	cfg := &Config{
		ServerAddr:     serverAddr(),
		Env:            getEnvOrDefault("APP_ENV", "development"),
		AllowedOrigins: splitEnv("ALLOWED_ORIGINS", "http://localhost:3000"),

		JWTSigningKey: os.Getenv("JWT_SECRET"),

		StoreBackend:  strings.ToLower(getEnvOrDefault("STORE_BACKEND", StoreMemory)),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: getEnvOrDefault("MONGO_DATABASE", "duochat"),

		PubSubType: strings.ToLower(getEnvOrDefault("PUBSUB_TYPE", "memory")),
		RedisURL:   os.Getenv("REDIS_URL"),
		NatsURL:    getEnvOrDefault("NATS_URL", "nats://localhost:4222"),

		UploadDir:         getEnvOrDefault("UPLOAD_DIR", "uploads"),
		R2AccountID:       os.Getenv("R2_ACCOUNT_ID"),
		R2AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretAccessKey: os.Getenv("R2_SECRET_ACCESS_KEY"),
		R2Bucket:          os.Getenv("R2_BUCKET"),
		R2PublicURL:       os.Getenv("R2_PUBLIC_URL"),
	}

	var err error
	if cfg.LogLevel, err = logLevel("LOG_LEVEL", slog.LevelInfo); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = getDuration("JWT_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes, err = getInt64("MAX_UPLOAD_BYTES", 10<<20); err != nil {
		return nil, err
	}
	if cfg.R2URLExpiry, err = getDuration("R2_URL_EXPIRY", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.UserLookupTimeout, err = getDuration("USER_LOOKUP_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	var perMin int64
	if perMin, err = getInt64("RATE_LIMIT_PER_MIN", 120); err != nil {
		return nil, err
	}
	cfg.RateLimitPerMin = int(perMin)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_BACKEND=mongo")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.PubSubType {
	case "memory", "nats":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when PUBSUB_TYPE=redis")
		}
	default:
		return fmt.Errorf("unknown PUBSUB_TYPE %q", c.PubSubType)
	}

	if c.JWTSigningKey == "" && !c.IsDevelopment() {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// R2Enabled reports whether every R2 credential is present
func (c *Config) R2Enabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2Bucket != ""
}

// serverAddr honours PORT (as set by most PaaS hosts) before SERVER_ADDR
func serverAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return getEnvOrDefault("SERVER_ADDR", "0.0.0.0:8000")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func logLevel(key string, defaultVal slog.Level) (slog.Level, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(val)); err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return level, nil
}

// splitEnv splits a comma-separated env var into a slice
func splitEnv(key, defaultVal string) []string {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
