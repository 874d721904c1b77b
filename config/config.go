package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr  string
	DownloadDir string
	StateDBPath string

	// Scheduler.
	MaxActiveTransfers int
	SchedulerTick      time.Duration
	RetryBackoffBase   time.Duration
	RetryBackoffCap    time.Duration
	RetryMax           int

	// Executor.
	ChunkSize       int64
	HTTPTimeout     time.Duration
	DeleteOnCancel  bool
	AllowPrivate    bool
	AllowedHosts    []string
	MaxContentBytes int64

	// Shared limiter / throttle.
	LimiterPermits  int
	LimiterMinDelay time.Duration
	ThrottleRate    float64
	ThrottleBurst   int
}

var AppConfig Config

// getEnv returns the environment value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return defaultValue
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// InitConfig loads configuration from the environment.
func InitConfig() {
	AppConfig = Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8300"),
		DownloadDir: getEnv("DOWNLOAD_DIR", "downloads"),
		StateDBPath: getEnv("STATE_DB_PATH", "fetchd.db"),

		MaxActiveTransfers: getEnvInt("MAX_ACTIVE_TRANSFERS", 3),
		SchedulerTick:      getEnvDuration("SCHEDULER_TICK", 2*time.Second),
		RetryBackoffBase:   getEnvDuration("RETRY_BACKOFF_BASE", 5*time.Second),
		RetryBackoffCap:    getEnvDuration("RETRY_BACKOFF_CAP", 10*time.Minute),
		RetryMax:           getEnvInt("RETRY_MAX", 5),

		ChunkSize:       getEnvInt64("CHUNK_SIZE", 1<<20),
		HTTPTimeout:     getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		DeleteOnCancel:  getEnvBool("DELETE_ON_CANCEL", true),
		AllowPrivate:    getEnvBool("DOWNLOAD_ALLOW_PRIVATE", false),
		AllowedHosts:    getEnvList("DOWNLOAD_ALLOW_HOSTS", nil),
		MaxContentBytes: getEnvInt64("DOWNLOAD_MAX_BYTES", 0),

		LimiterPermits:  getEnvInt("LIMITER_PERMITS", 8),
		LimiterMinDelay: getEnvDuration("LIMITER_MIN_DELAY", 0),
		ThrottleRate:    getEnvFloat("THROTTLE_RATE", 0),
		ThrottleBurst:   getEnvInt("THROTTLE_BURST", 4<<20),
	}
}
