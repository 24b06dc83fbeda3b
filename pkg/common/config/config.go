package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers     []string
	EngineEventTopic string

	// Quota ledger
	QuotaDailyLimit int64
	UploadCost      int64

	// Circuit breaker
	CircuitFailureThreshold int
	CircuitCooldown         time.Duration

	// Scheduler
	TickInterval   time.Duration
	VideoBatchSize int
	MaxRetries     int

	// Recovery prober
	ProberInterval     time.Duration
	ProberBatchSize    int
	ProberBudget       time.Duration
	RefreshTimeout     time.Duration
	ProbeTimeout       time.Duration
	TokenRefreshWindow time.Duration

	// Upstream provider
	TokenURL string
	ProbeURL string

	// Error classifier
	ClassifierRulesPath string

	// Channel status cache
	StatusCacheTTL time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "reelrelay"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "reelrelay123"),
		PostgresDB:       getEnv("POSTGRES_DB", "reelrelay"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:     getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		EngineEventTopic: getEnv("ENGINE_EVENT_TOPIC", "engine.events"),

		QuotaDailyLimit: int64(getIntEnv("QUOTA_DAILY_LIMIT", 10000)),
		UploadCost:      int64(getIntEnv("UPLOAD_COST", 1600)),

		CircuitFailureThreshold: getIntEnv("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitCooldown:         getDuration("CIRCUIT_COOLDOWN", 30*time.Minute),

		TickInterval:   getDuration("TICK_INTERVAL", time.Minute),
		VideoBatchSize: getIntEnv("VIDEO_BATCH_SIZE", 10),
		MaxRetries:     getIntEnv("UPLOAD_MAX_RETRIES", 3),

		ProberInterval:     getDuration("PROBER_INTERVAL", 5*time.Minute),
		ProberBatchSize:    getIntEnv("PROBER_BATCH_SIZE", 20),
		ProberBudget:       getDuration("PROBER_BUDGET", 2*time.Minute),
		RefreshTimeout:     getDuration("REFRESH_TIMEOUT", 15*time.Second),
		ProbeTimeout:       getDuration("PROBE_TIMEOUT", 10*time.Second),
		TokenRefreshWindow: getDuration("TOKEN_REFRESH_WINDOW", 30*time.Minute),

		TokenURL: getEnv("PROVIDER_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		ProbeURL: getEnv("PROVIDER_PROBE_URL", "https://www.googleapis.com/youtube/v3/channels?part=id&mine=true"),

		ClassifierRulesPath: getEnv("CLASSIFIER_RULES_PATH", ""),

		StatusCacheTTL: getDuration("STATUS_CACHE_TTL", 30*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
