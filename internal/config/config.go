// Package config loads the example server configuration from the
// environment, reading a .env file first when one exists.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/manenim/adaptive-rate-limiter/pkg/limiter"
)

type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Limiter LimiterConfig
}

type ServerConfig struct {
	ListenAddr string
	LogLevel   slog.Level
}

type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend string
	Redis   RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LimiterConfig struct {
	BaseLimit    int64
	MinLimit     int64
	Window       time.Duration
	RiskTTL      time.Duration
	StoreTimeout time.Duration
	Algorithm    limiter.Algorithm
	KeyPrefix    string
	PerEndpoint  bool
	KeyHeader    string
	TrustXFF     bool
}

// Load reads .env (if present) and then the process environment. Variables
// already set in the environment win over .env.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	lim, err := buildLimiterConfig()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
			LogLevel:   level,
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", "redis")),
			Redis: RedisConfig{
				Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
				Password: os.Getenv("REDIS_PASSWORD"),
				DB:       db,
			},
		},
		Limiter: lim,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func buildLimiterConfig() (LimiterConfig, error) {
	base, err := strconv.ParseInt(getEnv("RATE_BASE_LIMIT", "15"), 10, 64)
	if err != nil {
		return LimiterConfig{}, fmt.Errorf("invalid RATE_BASE_LIMIT: %w", err)
	}
	minLimit, err := strconv.ParseInt(getEnv("RATE_MIN_LIMIT", "3"), 10, 64)
	if err != nil {
		return LimiterConfig{}, fmt.Errorf("invalid RATE_MIN_LIMIT: %w", err)
	}
	windowSeconds, err := strconv.Atoi(getEnv("RATE_WINDOW_SECONDS", "60"))
	if err != nil {
		return LimiterConfig{}, fmt.Errorf("invalid RATE_WINDOW_SECONDS: %w", err)
	}
	riskSeconds, err := strconv.Atoi(getEnv("RATE_RISK_TTL_SECONDS", "300"))
	if err != nil {
		return LimiterConfig{}, fmt.Errorf("invalid RATE_RISK_TTL_SECONDS: %w", err)
	}
	timeout, err := time.ParseDuration(getEnv("RATE_STORE_TIMEOUT", "500ms"))
	if err != nil {
		return LimiterConfig{}, fmt.Errorf("invalid RATE_STORE_TIMEOUT: %w", err)
	}
	algo, err := limiter.ParseAlgorithm(getEnv("RATE_ALGORITHM", "fixed"))
	if err != nil {
		return LimiterConfig{}, fmt.Errorf("invalid RATE_ALGORITHM: %w", err)
	}
	perEndpoint, err := strconv.ParseBool(getEnv("RATE_PER_ENDPOINT", "false"))
	if err != nil {
		return LimiterConfig{}, fmt.Errorf("invalid RATE_PER_ENDPOINT: %w", err)
	}
	trustXFF, err := strconv.ParseBool(getEnv("TRUST_XFF", "false"))
	if err != nil {
		return LimiterConfig{}, fmt.Errorf("invalid TRUST_XFF: %w", err)
	}

	return LimiterConfig{
		BaseLimit:    base,
		MinLimit:     minLimit,
		Window:       time.Duration(windowSeconds) * time.Second,
		RiskTTL:      time.Duration(riskSeconds) * time.Second,
		StoreTimeout: timeout,
		Algorithm:    algo,
		KeyPrefix:    os.Getenv("RATE_KEY_PREFIX"),
		PerEndpoint:  perEndpoint,
		KeyHeader:    os.Getenv("RATE_KEY_HEADER"),
		TrustXFF:     trustXFF,
	}, nil
}

// Validate rejects limits the engine would refuse, with the variable name in
// the message.
func (c Config) Validate() error {
	if b := c.Store.Backend; b != "redis" && b != "memory" {
		return fmt.Errorf("STORE_BACKEND must be redis or memory, got %q: %w", b, limiter.ErrInvalidConfig)
	}

	l := c.Limiter
	switch {
	case l.MinLimit < 1:
		return fmt.Errorf("RATE_MIN_LIMIT must be >= 1: %w", limiter.ErrInvalidConfig)
	case l.BaseLimit < l.MinLimit:
		return fmt.Errorf("RATE_BASE_LIMIT must be >= RATE_MIN_LIMIT: %w", limiter.ErrInvalidConfig)
	case l.Window <= 0:
		return fmt.Errorf("RATE_WINDOW_SECONDS must be positive: %w", limiter.ErrInvalidConfig)
	case l.RiskTTL <= 0:
		return fmt.Errorf("RATE_RISK_TTL_SECONDS must be positive: %w", limiter.ErrInvalidConfig)
	case l.StoreTimeout <= 0:
		return fmt.Errorf("RATE_STORE_TIMEOUT must be positive: %w", limiter.ErrInvalidConfig)
	}
	return nil
}

// EngineOptions maps the limiter section onto engine options.
func (l LimiterConfig) EngineOptions() []limiter.Option {
	return []limiter.Option{
		limiter.WithLimits(l.BaseLimit, l.MinLimit),
		limiter.WithWindow(l.Window),
		limiter.WithRiskTTL(l.RiskTTL),
		limiter.WithTimeout(l.StoreTimeout),
		limiter.WithAlgorithm(l.Algorithm),
		limiter.WithPrefix(l.KeyPrefix),
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
