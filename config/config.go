package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"futuresRiskBot/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Market feed
	FeedURL              string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Risk parameters
	InitialStopPoints float64 // distance of the unconditional stop from entry
	ActivationPoints  float64 // unrealized gain before the trailing stop arms
	PullbackRatio     float64 // fraction of the peak gain given back before exit
	ProtectMultiplier float64 // group protective-stop tighten factor

	// Exit gate
	LockTTL time.Duration

	// Order matching
	MatchWindow    time.Duration
	PriceTolerance float64

	// Exit execution
	MaxExitRetries int

	// Persistence
	DBPath          string
	QueueCapacity   int
	CacheTTL        time.Duration
	MaxWriteRetries int

	// Logging
	LogLevel zapcore.Level
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // collect validation errors

	// Market feed
	cfg.FeedURL = getEnv("FEED_URL", "ws://127.0.0.1:9443/ticks")
	if cfg.FeedURL == "" {
		errs = append(errs, "FEED_URL must be set")
	}

	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 1)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Risk parameters
	cfg.InitialStopPoints, err = getEnvAsFloatRequired("INITIAL_STOP_POINTS", 30.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INITIAL_STOP_POINTS: %v", err))
	} else if cfg.InitialStopPoints <= 0 {
		errs = append(errs, "INITIAL_STOP_POINTS must be positive")
	}

	cfg.ActivationPoints, err = getEnvAsFloatRequired("TRAILING_ACTIVATION_POINTS", 15.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TRAILING_ACTIVATION_POINTS: %v", err))
	} else if cfg.ActivationPoints <= 0 {
		errs = append(errs, "TRAILING_ACTIVATION_POINTS must be positive")
	}

	cfg.PullbackRatio, err = getEnvAsFloatRequired("PULLBACK_RATIO", 0.2)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PULLBACK_RATIO: %v", err))
	} else if cfg.PullbackRatio <= 0 || cfg.PullbackRatio >= 1 {
		errs = append(errs, "PULLBACK_RATIO must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.ProtectMultiplier, err = getEnvAsFloatRequired("PROTECT_MULTIPLIER", 0.5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PROTECT_MULTIPLIER: %v", err))
	} else if cfg.ProtectMultiplier <= 0 || cfg.ProtectMultiplier >= 1 {
		errs = append(errs, "PROTECT_MULTIPLIER must be between 0.0 and 1.0 (exclusive)")
	}

	// Exit gate
	lockTTLMillis := getEnvAsInt("EXIT_LOCK_TTL_MS", 2000)
	if lockTTLMillis <= 0 {
		errs = append(errs, "EXIT_LOCK_TTL_MS must be positive")
	}
	cfg.LockTTL = time.Duration(lockTTLMillis) * time.Millisecond

	// Order matching. Window and tolerance were tuned against observed
	// slippage; both stay configurable because the right values depend on
	// the venue.
	matchWindowSeconds := getEnvAsInt("MATCH_WINDOW_SECONDS", 30)
	if matchWindowSeconds <= 0 {
		errs = append(errs, "MATCH_WINDOW_SECONDS must be positive")
	}
	cfg.MatchWindow = time.Duration(matchWindowSeconds) * time.Second

	cfg.PriceTolerance, err = getEnvAsFloatRequired("PRICE_TOLERANCE_POINTS", 10.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PRICE_TOLERANCE_POINTS: %v", err))
	} else if cfg.PriceTolerance <= 0 {
		errs = append(errs, "PRICE_TOLERANCE_POINTS must be positive")
	}

	// Exit execution
	cfg.MaxExitRetries = getEnvAsInt("MAX_EXIT_RETRIES", 5)
	if cfg.MaxExitRetries <= 0 {
		errs = append(errs, "MAX_EXIT_RETRIES must be positive")
	}

	// Persistence
	cfg.DBPath = getEnv("DB_PATH", "./data/risk_core.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}
	cfg.QueueCapacity = getEnvAsInt("TASK_QUEUE_CAPACITY", 1024)
	if cfg.QueueCapacity <= 0 {
		errs = append(errs, "TASK_QUEUE_CAPACITY must be positive")
	}
	cacheTTLSeconds := getEnvAsInt("PERSIST_CACHE_TTL_SECONDS", 30)
	if cacheTTLSeconds <= 0 {
		errs = append(errs, "PERSIST_CACHE_TTL_SECONDS must be positive")
	}
	cfg.CacheTTL = time.Duration(cacheTTLSeconds) * time.Second
	cfg.MaxWriteRetries = getEnvAsInt("MAX_WRITE_RETRIES", 3)
	if cfg.MaxWriteRetries <= 0 {
		errs = append(errs, "MAX_WRITE_RETRIES must be positive")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "info"))

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// --- Env var helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}
