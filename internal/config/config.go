// Package config loads service configuration from the environment, reading a
// .env file first when one is present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Local store backends.
const (
	LocalSQLite = "sqlite"
	LocalRedis  = "redis"
	LocalMemory = "memory"
)

// Config holds all configuration for the service and the operator CLI.
type Config struct {
	Server   ServerConfig
	Remote   RemoteConfig
	Local    LocalConfig
	Sync     SyncConfig
	Ledger   LedgerConfig
	Auth     AuthConfig
	CORS     CORSConfig
	RedisURL string
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port string
}

// RemoteConfig describes the remote portfolio store.
type RemoteConfig struct {
	DatabaseURL string // empty selects the in-memory store
	Migrate     bool
	Timeout     time.Duration
}

// LocalConfig describes the durable key/value store behind the local queue.
type LocalConfig struct {
	Backend string
	Path    string
	Key     string // Fernet key; empty disables encryption
}

// SyncConfig holds reconciliation settings.
type SyncConfig struct {
	Interval time.Duration
}

// LedgerConfig holds defaults for new portfolios and presentation.
type LedgerConfig struct {
	StartingBalance decimal.Decimal
	Currency        string
}

// AuthConfig holds identity token settings.
type AuthConfig struct {
	JWTSecret string // empty accepts a bare user id at login
}

// CORSConfig holds CORS-specific configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	timeout, err := getDuration("REMOTE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	interval, err := getDuration("SYNC_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}
	balance, err := decimal.NewFromString(getEnv("STARTING_BALANCE", "1000000"))
	if err != nil || balance.IsNegative() {
		return nil, fmt.Errorf("config: invalid STARTING_BALANCE %q", os.Getenv("STARTING_BALANCE"))
	}
	migrate, err := strconv.ParseBool(getEnv("DATABASE_MIGRATE", "true"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid DATABASE_MIGRATE: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		Remote: RemoteConfig{
			DatabaseURL: os.Getenv("DATABASE_URL"),
			Migrate:     migrate,
			Timeout:     timeout,
		},
		Local: LocalConfig{
			Backend: strings.ToLower(getEnv("LOCAL_STORE", LocalSQLite)),
			Path:    getEnv("LOCAL_STORE_PATH", "./data/local.db"),
			Key:     os.Getenv("LOCAL_STORE_KEY"),
		},
		Sync: SyncConfig{
			Interval: interval,
		},
		Ledger: LedgerConfig{
			StartingBalance: balance,
			Currency:        strings.ToUpper(getEnv("CURRENCY", "INR")),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		},
		RedisURL: os.Getenv("REDIS_URL"),
	}

	switch cfg.Local.Backend {
	case LocalSQLite, LocalMemory:
	case LocalRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("config: LOCAL_STORE=redis requires REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("config: unknown LOCAL_STORE %q", cfg.Local.Backend)
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: invalid %s %q", key, value)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
