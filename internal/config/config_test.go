package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "TIMEZONE", "LOG_LEVEL", "MATCH_SCHEDULE", "ROLLOVER_SCHEDULE"} {
		t.Setenv(k, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, "market-maker", cfg.MarketMakerAccount)
	assert.Equal(t, time.UTC, cfg.Location)
	assert.Equal(t, "0 1 0 * * *", cfg.RolloverSchedule)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CACHE_TTL", "2m")
	t.Setenv("USE_TIME_PRIORITY", "true")
	t.Setenv("TIMEZONE", "Asia/Ho_Chi_Minh")
	t.Setenv("MATCH_SCHEDULE", "@every 30s")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOCK_TTL", "not-a-duration") // falls back to the default

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.UseTimePriority)
	assert.Equal(t, "Asia/Ho_Chi_Minh", cfg.Location.String())
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"timezone", "TIMEZONE", "Mars/Olympus"},
		{"schedule", "ROLLOVER_SCHEDULE", "every day"},
		{"log level", "LOG_LEVEL", "loud"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := FromEnv()
			assert.ErrorContains(t, err, tc.key)
		})
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := &Config{Timezone: "UTC", LockTTL: 0, RateLimitRPS: -1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "PORT")
	assert.ErrorContains(t, err, "MARKET_MAKER_ACCOUNT")
	assert.ErrorContains(t, err, "LOCK_TTL")
	assert.ErrorContains(t, err, "RATE_LIMIT")
}
