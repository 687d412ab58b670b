// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Receipt cache backends.
const (
	ReceiptsMemory = "memory"
	ReceiptsRedis  = "redis"
)

type Config struct {
	Port string

	// Store
	Backend       string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	// Auth
	JWTSecret string
	Dev       bool

	// Settlement
	RequireIdempotencyKey bool
	MaxCommitRetries      int
	CommitTimeout         time.Duration
	StoreTimeout          time.Duration

	// Receipts
	ReceiptTTL   time.Duration
	ReceiptCache string

	CORSAllowedOrigins []string

	// Seed provisions the demo account on the memory backend
	Seed bool
}

// Load reads the environment. A missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []error

	cfg := &Config{
		Port:               getEnvDefault("PORT", "8080"),
		Backend:            strings.ToLower(getEnvDefault("LEDGER_BACKEND", BackendMemory)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          getEnvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		ReceiptCache:       strings.ToLower(getEnvDefault("RECEIPT_CACHE", ReceiptsMemory)),
		CORSAllowedOrigins: splitList(getEnvDefault("CORS_ALLOWED_ORIGINS", "*")),
	}

	cfg.Dev = getBool("LEDGER_DEV", false, &errs)
	cfg.Seed = getBool("LEDGER_SEED", false, &errs)
	cfg.RequireIdempotencyKey = getBool("REQUIRE_IDEMPOTENCY_KEY", true, &errs)
	cfg.MaxCommitRetries = getInt("MAX_COMMIT_RETRIES", 3, &errs)
	cfg.CommitTimeout = getDuration("COMMIT_TIMEOUT", 5*time.Second, &errs)
	cfg.StoreTimeout = getDuration("STORE_TIMEOUT", 3*time.Second, &errs)
	cfg.ReceiptTTL = getDuration("RECEIPT_TTL", 24*time.Hour, &errs)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND %q is not one of memory, postgres, redis", c.Backend))
	}

	switch c.ReceiptCache {
	case ReceiptsMemory, ReceiptsRedis:
	default:
		errs = append(errs, fmt.Errorf("RECEIPT_CACHE %q is not one of memory, redis", c.ReceiptCache))
	}
	if c.ReceiptCache == ReceiptsRedis && c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required for the redis receipt cache"))
	}

	if c.JWTSecret == "" && !c.Dev {
		errs = append(errs, errors.New("JWT_SECRET is required unless LEDGER_DEV=true"))
	}
	if c.MaxCommitRetries < 0 {
		errs = append(errs, errors.New("MAX_COMMIT_RETRIES must not be negative"))
	}
	if c.CommitTimeout <= 0 {
		errs = append(errs, errors.New("COMMIT_TIMEOUT must be positive"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.ReceiptTTL <= 0 {
		errs = append(errs, errors.New("RECEIPT_TTL must be positive"))
	}
	if c.Seed && c.Backend != BackendMemory {
		errs = append(errs, errors.New("LEDGER_SEED only applies to the memory backend"))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address for Port.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func getInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
