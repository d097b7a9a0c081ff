// Package config loads runtime configuration from the environment, with
// optional .env.local and .env files layered underneath.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/money"
)

// Config holds all runtime configuration for the ledger service.
type Config struct {
	Port            int
	DatabaseURL     string
	RedisURL        string
	CacheTTL        time.Duration
	APIKey          string
	DevMode         bool
	LogLevel        slog.Level
	StartingBalance decimal.Decimal
	ShutdownTimeout time.Duration
}

// EnvFiles are loaded in order. godotenv never overrides a variable that is
// already set, so earlier files and the real environment win.
var EnvFiles = []string{".env.local", ".env"}

// Load reads the env files that exist, then the environment, applies
// defaults and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	for _, f := range EnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	level, err := ParseLogLevel(getStr("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cacheTTL, err := getDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	devMode, err := getBool("DEV_MODE", false)
	if err != nil {
		return nil, fmt.Errorf("invalid DEV_MODE: %w", err)
	}

	apiKey := getStr("X_API_KEY", "")
	if apiKey == "" && !devMode {
		return nil, errors.New("X_API_KEY is required unless DEV_MODE is enabled")
	}

	balance := money.StartingBalance
	if v := os.Getenv("STARTING_BALANCE"); v != "" {
		balance, err = money.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("invalid STARTING_BALANCE: %w", err)
		}
		if balance.IsNegative() {
			return nil, fmt.Errorf("invalid STARTING_BALANCE: %s is negative", v)
		}
	}

	return &Config{
		Port:            port,
		DatabaseURL:     getStr("DATABASE_URL", ""),
		RedisURL:        getStr("REDIS_URL", ""),
		CacheTTL:        cacheTTL,
		APIKey:          apiKey,
		DevMode:         devMode,
		LogLevel:        level,
		StartingBalance: balance,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", s)
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}
