// Package config provides configuration management functionality.
//
// Runtime configuration is loaded from environment variables (.env file).
// The strategy definitions, sizing presets, and indicator metadata are
// fixed registries validated here before any task is accepted.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/quantflow/internal/market"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir        string        // Base directory for the SQLite databases
	LogLevel       string        // Log level (debug, info, warn, error)
	Port           int           // HTTP server port (default: 8090)
	DevMode        bool          // Development mode flag
	Keys           []market.Key  // Tracked series keys
	BackfillWindow time.Duration // Ingestion gap-fill lookback
	MaxConcurrent  int           // Task manager concurrency cap
	TaskTTL        time.Duration // Terminal-task retention

	// Off-site backup (disabled unless the bucket is set).
	BackupBucket   string
	BackupPrefix   string
	BackupSchedule string
}

// Load reads configuration from the environment, with .env as a fallback
// source.
func Load() (*Config, error) {
	// Best effort: a missing .env file is fine.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:        getEnv("QUANTFLOW_DATA_DIR", "./data"),
		LogLevel:       getEnv("QUANTFLOW_LOG_LEVEL", "info"),
		Port:           getEnvInt("QUANTFLOW_PORT", 8090),
		DevMode:        getEnv("QUANTFLOW_DEV_MODE", "") == "true",
		BackfillWindow: getEnvDuration("QUANTFLOW_BACKFILL_WINDOW", 7*24*time.Hour),
		MaxConcurrent:  getEnvInt("QUANTFLOW_MAX_CONCURRENT_TASKS", 3),
		TaskTTL:        getEnvDuration("QUANTFLOW_TASK_TTL", time.Hour),
		BackupBucket:   getEnv("QUANTFLOW_BACKUP_BUCKET", ""),
		BackupPrefix:   getEnv("QUANTFLOW_BACKUP_PREFIX", "quantflow"),
		BackupSchedule: getEnv("QUANTFLOW_BACKUP_SCHEDULE", "@hourly"),
	}

	keys, err := parseKeys(getEnv("QUANTFLOW_KEYS", "BTCUSDT:1h:spot"))
	if err != nil {
		return nil, err
	}
	cfg.Keys = keys

	return cfg, nil
}

// parseKeys parses "SYMBOL:timeframe:market" triples separated by commas.
func parseKeys(raw string) ([]market.Key, error) {
	var keys []market.Key
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid key %q, want SYMBOL:timeframe:market", part)
		}
		key := market.Key{
			Symbol:     fields[0],
			Timeframe:  market.Timeframe(fields[1]),
			MarketKind: market.MarketKind(fields[2]),
		}
		if !key.Timeframe.Valid() {
			return nil, fmt.Errorf("invalid timeframe %q in key %q", fields[1], part)
		}
		if !key.MarketKind.Valid() {
			return nil, fmt.Errorf("invalid market kind %q in key %q", fields[2], part)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no series keys configured")
	}
	return keys, nil
}

// getEnv retrieves an environment variable value, returning a fallback if
// the variable is not set or is empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
