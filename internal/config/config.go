package config

import (
	"os"
	"strconv"
	"time"
)

// Config centralizes runtime settings for the worker process.
type Config struct {
	Port string

	DatabaseURL string

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisWakeChannel string

	RateLimitRPS   float64
	RateLimitBurst int

	WorkerEnabled      bool
	WorkerMaxTotal     int
	WorkerMaxPerTenant int
	WorkerTick         time.Duration
	WorkerBackoff      time.Duration

	PollInterval    time.Duration
	PollBatchSize   int
	TwoPhaseMaxWait time.Duration

	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	LimitersFile string
	LogLevel     string
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		RedisWakeChannel: getEnv("REDIS_WAKE_CHANNEL", "content_worker:wake"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerMaxTotal:     getEnvInt("WORKER_MAX_TOTAL", 50),
		WorkerMaxPerTenant: getEnvInt("WORKER_MAX_PER_TENANT", 10),
		WorkerTick:         getEnvMillis("WORKER_TICK_MS", 5000),
		WorkerBackoff:      getEnvMillis("WORKER_BACKOFF_MS", 2000),

		PollInterval:    getEnvMillis("POLL_INTERVAL_MS", 3000),
		PollBatchSize:   getEnvInt("POLL_BATCH_SIZE", 50),
		TwoPhaseMaxWait: getEnvMillis("TWO_PHASE_MAX_WAIT_MS", 600000),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "http://localhost:9090"),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),
		ProviderTimeout: getEnvMillis("PROVIDER_TIMEOUT_MS", 30000),

		LimitersFile: getEnv("LIMITERS_FILE", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Millisecond
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
