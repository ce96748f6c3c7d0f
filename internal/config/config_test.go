package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "Europe/Berlin", cfg.Season.Timezone)
	assert.Equal(t, 10, cfg.Season.PrizeCap)
	assert.Equal(t, []int{12, 13, 14, 15, 16, 17, 18, 19, 20, 21}, cfg.Season.RevealHours)
	assert.Equal(t, "Freigetränk", cfg.Prize.Name)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", ":9090")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("SEASON_YEAR", "2024")
	t.Setenv("SEASON_PRIZE_CAP", "15")
	t.Setenv("SEASON_REVEAL_HOURS", "10, 11, 12")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("SESSION_TTL_HOURS", "2")

	cfg := Load()

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2024, cfg.Season.Year)
	assert.Equal(t, 15, cfg.Season.PrizeCap)
	assert.Equal(t, []int{10, 11, 12}, cfg.Season.RevealHours)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
}

func TestGetEnvIntListRejectsGarbage(t *testing.T) {
	t.Setenv("SEASON_REVEAL_HOURS", "12,notanumber")

	cfg := Load()
	assert.Equal(t, []int{12, 13, 14, 15, 16, 17, 18, 19, 20, 21}, cfg.Season.RevealHours)
}
