// Package config provides configuration loading and management for the MediaHub
// upload service. It handles environment variable parsing and provides default
// values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// godotenv.Load does not override already-set variables, preserving
// OS env > .env precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds local overrides and is gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the upload service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL)
	NATSURL     string // NATS server URL
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	RegistryURL string // Platform registry service URL for creator->platform resolution
	PlatformID  string // Hosting platform id stamped on sessions when resolution is unavailable

	// Upload protocol parameters. Fixed for the lifetime of a session once
	// handed out via /config.
	ChunkSize         int64         // Chunk size in bytes
	MaxParallelChunks int           // Advertised parallel-transfer ceiling
	MaxFileSize       int64         // Maximum declared file size in bytes
	SupportedFormats  []string      // Allowed MIME types for uploads
	SessionTTL        time.Duration // Acceptance window for a session
	SweepInterval     time.Duration // How often expired sessions are swept

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort          = "8080"
	defaultS3Region      = "us-east-1"
	defaultEnv           = "dev"
	defaultPlatformID    = "fanzdash"
	defaultChunkSize     = 5 * 1024 * 1024         // 5 MiB
	defaultMaxParallel   = 4
	defaultMaxFileSize   = 10 * 1024 * 1024 * 1024 // 10 GiB
	defaultSessionTTL    = 24 * time.Hour
	defaultSweepInterval = 10 * time.Minute
)

// defaultFormats lists the MIME types accepted when MH_SUPPORTED_FORMATS is unset.
var defaultFormats = []string{
	"image/jpeg", "image/png", "image/gif",
	"video/mp4", "video/quicktime",
	"audio/mpeg",
}

// Load reads environment variables and produces a Config suitable for wiring
// the service. It handles both required and optional parameters, providing
// defaults where appropriate. Returns an error if required parameters are
// missing or invalid.
func Load() (Config, error) {
	cfg := Config{}

	cfg.Env = getEnv("MH_ENV", defaultEnv)
	cfg.Port = getEnv("MH_PORT", defaultPort)

	// Optional backends
	if dsn, exists := os.LookupEnv("MH_DB_DSN"); exists {
		cfg.DatabaseDSN = dsn
	}
	if natsURL, exists := os.LookupEnv("MH_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}
	if s3Endpoint, exists := os.LookupEnv("MH_S3_ENDPOINT"); exists {
		cfg.S3Endpoint = s3Endpoint
	}
	cfg.S3Region = getEnv("MH_S3_REGION", defaultS3Region)
	if s3Bucket, exists := os.LookupEnv("MH_S3_BUCKET"); exists {
		cfg.S3Bucket = s3Bucket
	}
	if s3AccessKey, exists := os.LookupEnv("MH_S3_ACCESS_KEY"); exists {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey, exists := os.LookupEnv("MH_S3_SECRET_KEY"); exists {
		cfg.S3SecretKey = s3SecretKey
	}

	if jwtIssuer, exists := os.LookupEnv("MH_JWT_ISSUER"); exists {
		cfg.JWTIssuer = jwtIssuer
	}
	if jwtAudience, exists := os.LookupEnv("MH_JWT_AUDIENCE"); exists {
		cfg.JWTAudience = jwtAudience
	}

	if registryURL, exists := os.LookupEnv("MH_REGISTRY_URL"); exists {
		cfg.RegistryURL = registryURL
	}
	cfg.PlatformID = getEnv("MH_PLATFORM_ID", defaultPlatformID)

	// Upload protocol parameters
	cfg.ChunkSize = parseInt64Env("MH_CHUNK_SIZE", defaultChunkSize)
	cfg.MaxParallelChunks = int(parseInt64Env("MH_MAX_PARALLEL_CHUNKS", defaultMaxParallel))
	cfg.MaxFileSize = parseInt64Env("MH_MAX_FILE_SIZE", defaultMaxFileSize)
	cfg.SessionTTL = parseDurationEnv("MH_SESSION_TTL", defaultSessionTTL)
	cfg.SweepInterval = parseDurationEnv("MH_SWEEP_INTERVAL", defaultSweepInterval)

	if formats, exists := os.LookupEnv("MH_SUPPORTED_FORMATS"); exists {
		cfg.SupportedFormats = splitAndTrim(formats)
	} else {
		cfg.SupportedFormats = defaultFormats
	}

	if corsOrigins, exists := os.LookupEnv("MH_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = splitAndTrim(corsOrigins)
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("MH_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("MH_JWT_AUDIENCE is required")
	}
	if cfg.ChunkSize <= 0 {
		return cfg, fmt.Errorf("MH_CHUNK_SIZE must be positive")
	}
	if cfg.MaxParallelChunks <= 0 {
		return cfg, fmt.Errorf("MH_MAX_PARALLEL_CHUNKS must be positive")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseInt64Env parses an integer environment variable, returning a fallback
// if unset or unparseable
func parseInt64Env(key string, fallback int64) int64 {
	if v, exists := os.LookupEnv(key); exists {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// parseDurationEnv parses a duration environment variable ("24h", "10m"),
// returning a fallback if unset or unparseable
func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if v, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// splitAndTrim splits a comma-separated list and trims whitespace from each entry
func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
