package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the dispatch server.
type Config struct {
	Addr            string
	CatalogURL      string // Full URL for proxy target (e.g. http://catalog:8082)
	FilesURL        string // Full URL for proxy target (e.g. http://files:8083)
	IdentityURL     string // Full URL for identity service proxy target
	JWKSEndpoint    string
	LogLevel        string
	MaxBodyBytes    int64
	DeferredTimeout time.Duration
	RateLimit       RateLimitConfig
}

// RateLimitConfig holds token bucket parameters for per-IP rate limiting.
type RateLimitConfig struct {
	Rate  float64
	Burst int
}

// Load reads an optional .env file, then configuration from environment
// variables, falling back to defaults.
func Load(envFiles ...string) Config {
	files := envFiles
	if len(files) == 0 {
		files = []string{".env"}
	}
	// Non-fatal: .env may not exist in production
	_ = godotenv.Load(files...)

	return Config{
		Addr:            envOr("DISPATCH_ADDR", ":8080"),
		CatalogURL:      envOr("CATALOG_URL", "http://localhost:8082"),
		FilesURL:        envOr("FILES_URL", "http://localhost:8083"),
		IdentityURL:     envOr("IDENTITY_URL", "http://localhost:8081"),
		JWKSEndpoint:    envOr("JWKS_ENDPOINT", "http://localhost:8081/.well-known/jwks.json"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		MaxBodyBytes:    envInt64("MAX_BODY_BYTES", 1<<20),
		DeferredTimeout: envSeconds("DEFERRED_TIMEOUT_SECONDS", 30*time.Second),
		RateLimit: RateLimitConfig{
			Rate:  envFloat("RATE_LIMIT_RATE", 100),
			Burst: envInt("RATE_LIMIT_BURST", 20),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("invalid float env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return f
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return time.Duration(n) * time.Second
	}
	return fallback
}
