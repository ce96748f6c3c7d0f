package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Season   SeasonConfig
	Auth     AuthConfig
	Prize    PrizeConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Driver       string // "sqlite" or "postgres"
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

type RedisConfig struct {
	Addr    string
	Enabled bool
}

type KafkaConfig struct {
	Brokers  []string
	Topics   TopicConfig
	Enabled  bool
	MockMode bool
}

type TopicConfig struct {
	RewardIssued string
	DoorOpened   string
}

// SeasonConfig describes the calendar the draw engine runs against.
type SeasonConfig struct {
	Year        int
	Timezone    string
	PrizeCap    int
	RevealHours []int
	DoorSeed    int64
}

type AuthConfig struct {
	SessionSecret string
	SessionTTL    time.Duration
	QRSecret      string
}

// PrizeConfig is what a winner actually receives. A single prize type with
// sponsor attribution, matching the club's free-drink voucher.
type PrizeConfig struct {
	Name        string
	Sponsor     string
	SponsorLink string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "sqlite"),
			DSN:          getEnv("DB_DSN", "file:advent.db?cache=shared&_pragma=busy_timeout(5000)"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
		},
		Redis: RedisConfig{
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
			Enabled: getEnvBool("REDIS_ENABLED", false),
		},
		Kafka: KafkaConfig{
			Brokers:  []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
			Enabled:  getEnvBool("KAFKA_ENABLED", false),
			MockMode: getEnvBool("KAFKA_MOCK_MODE", false),
			Topics: TopicConfig{
				RewardIssued: getEnv("KAFKA_TOPIC_REWARD_ISSUED", "reward-issued"),
				DoorOpened:   getEnv("KAFKA_TOPIC_DOOR_OPENED", "door-opened"),
			},
		},
		Season: SeasonConfig{
			Year:        getEnvInt("SEASON_YEAR", time.Now().Year()),
			Timezone:    getEnv("SEASON_TIMEZONE", "Europe/Berlin"),
			PrizeCap:    getEnvInt("SEASON_PRIZE_CAP", 10),
			RevealHours: getEnvIntList("SEASON_REVEAL_HOURS", []int{12, 13, 14, 15, 16, 17, 18, 19, 20, 21}),
			DoorSeed:    int64(getEnvInt("SEASON_DOOR_SEED", 2023)),
		},
		Auth: AuthConfig{
			SessionSecret: getEnv("SESSION_SECRET", "dev-session-secret"),
			SessionTTL:    time.Duration(getEnvInt("SESSION_TTL_HOURS", 24*31)) * time.Hour,
			QRSecret:      getEnv("QR_SECRET_KEY", "dev-qr-secret"),
		},
		Prize: PrizeConfig{
			Name:        getEnv("PRIZE_NAME", "Freigetränk"),
			Sponsor:     getEnv("PRIZE_SPONSOR", ""),
			SponsorLink: getEnv("PRIZE_SPONSOR_LINK", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvIntList(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var parsed []int
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return defaultValue
		}
		parsed = append(parsed, n)
	}
	if len(parsed) == 0 {
		return defaultValue
	}
	return parsed
}
