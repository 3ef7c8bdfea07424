// Package config provides configuration loading and management for the
// registration pipeline. It handles environment variable parsing and provides
// default values for all settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package
// initialization. In development, it loads .env and .env.local files if they
// exist. In production, it relies solely on system environment variables.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
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

// Config captures environment-driven settings for the registration daemon.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // HTTP port for /healthz and /metrics

	DatabaseDSN string // PostgreSQL DSN for the record store; empty selects the in-memory store
	NATSURL     string // NATS server URL for event streams; empty selects the no-op publisher

	S3Endpoint  string // S3-compatible endpoint (empty for AWS)
	S3Region    string // S3 region
	S3AccessKey string // Static access key (empty to use the default chain)
	S3SecretKey string // Static secret key

	StagingBucket string // Bucket where manifests land and chunks are written
	ScratchDir    string // Per-worker scratch area for web downloads

	ChunkSize      int // Maximum manifest rows per chunk
	FetchRetries   int // Retry budget for transient fetch failures
	SummaryRetries int // Retry budget for guarded summary updates
	JobWorkers     int // Concurrent per-file jobs per chunk
}

// Default configuration values used when environment variables are not set
const (
	defaultPort           = "8080"
	defaultS3Region       = "us-east-1"
	defaultEnv            = "dev"
	defaultChunkSize      = 100
	defaultFetchRetries   = 3
	defaultSummaryRetries = 3
	defaultJobWorkers     = 4
)

// Load reads environment variables and produces a Config suitable for wiring
// the daemon. Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("REG_ENV", defaultEnv),
		Port:           getEnv("REG_PORT", defaultPort),
		DatabaseDSN:    os.Getenv("REG_DB_DSN"),
		NATSURL:        os.Getenv("REG_NATS_URL"),
		S3Endpoint:     os.Getenv("REG_S3_ENDPOINT"),
		S3Region:       getEnv("REG_S3_REGION", defaultS3Region),
		S3AccessKey:    os.Getenv("REG_S3_ACCESS_KEY"),
		S3SecretKey:    os.Getenv("REG_S3_SECRET_KEY"),
		StagingBucket:  os.Getenv("REG_STAGING_BUCKET"),
		ScratchDir:     getEnv("REG_SCRATCH_DIR", filepath.Join(os.TempDir(), "registration-scratch")),
		ChunkSize:      getEnvInt("REG_CHUNK_SIZE", defaultChunkSize),
		FetchRetries:   getEnvInt("REG_FETCH_RETRIES", defaultFetchRetries),
		SummaryRetries: getEnvInt("REG_SUMMARY_RETRIES", defaultSummaryRetries),
		JobWorkers:     getEnvInt("REG_JOB_WORKERS", defaultJobWorkers),
	}

	if cfg.StagingBucket == "" {
		return cfg, fmt.Errorf("REG_STAGING_BUCKET is required")
	}
	if cfg.ChunkSize <= 0 {
		return cfg, fmt.Errorf("REG_CHUNK_SIZE must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.JobWorkers <= 0 {
		return cfg, fmt.Errorf("REG_JOB_WORKERS must be positive, got %d", cfg.JobWorkers)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not
// set or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable, returning a fallback
// if not set or unparsable.
func getEnvInt(key string, fallback int) int {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
