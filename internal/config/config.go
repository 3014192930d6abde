// Package config loads the fund engine's settings from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve on minimal images

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds application configuration.
type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables the cache and the distributed lock
	CacheTTL    time.Duration
	AutoMigrate bool

	MarketMakerAccount string
	FundSeedFile       string
	Timezone           string
	Location           *time.Location

	RolloverSchedule string // cron spec with seconds; empty disables
	MatchSchedule    string // cron spec with seconds; empty disables
	UseTimePriority  bool
	LockTTL          time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment without touching
// .env files.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		CacheTTL:           getEnvAsDuration("CACHE_TTL", 30*time.Second),
		AutoMigrate:        getEnvAsBool("AUTO_MIGRATE", true),
		MarketMakerAccount: getEnv("MARKET_MAKER_ACCOUNT", "market-maker"),
		FundSeedFile:       getEnv("FUND_SEED_FILE", ""),
		Timezone:           getEnv("TIMEZONE", "UTC"),
		RolloverSchedule:   getEnv("ROLLOVER_SCHEDULE", "0 1 0 * * *"),
		MatchSchedule:      getEnv("MATCH_SCHEDULE", ""),
		UseTimePriority:    getEnvAsBool("USE_TIME_PRIORITY", false),
		LockTTL:            getEnvAsDuration("LOCK_TTL", 30*time.Second),
		RateLimitRPS:       getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 40),
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted and resolves Location.
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if strings.TrimSpace(c.MarketMakerAccount) == "" {
		errs = append(errs, errors.New("MARKET_MAKER_ACCOUNT must not be empty"))
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err))
	} else {
		c.Location = loc
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{"ROLLOVER_SCHEDULE": c.RolloverSchedule, "MATCH_SCHEDULE": c.MatchSchedule} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, spec, err))
		}
	}

	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative"))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
