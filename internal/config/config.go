package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr                string
	LogLevel                  string
	InstanceID                string
	LogsAPIBaseURL            string
	LogsAPITimeoutSeconds     int
	DatabaseURL               string
	JournalBackend            string
	JournalRetentionHours     int
	RedisAddr                 string
	PrefsBackend              string
	PrefsDir                  string
	PrefsChannelPrefix        string
	InvalidationStream        string
	CORSAllowedOrigins        []string
	AnalyticsOrigin           string
	HandoffSecret             string
	HandoffTimeoutSeconds     int
	CacheMaxEntries           int
	CacheFreshSeconds         int
	SessionTTLMinutes         int
	MaintenanceIntervalSecond int
	RateLimitRequestsPerSec   float64
	RateLimitBurst            int
	S3Region                  string
	S3Endpoint                string
	S3AccessKey               string
	S3SecretKey               string
	S3Bucket                  string
}

// LoadDotEnv reads a .env file into the process environment when one exists.
// Variables already set win over the file.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Load() Config {
	port := envOrDefault("CONSOLE_PORT", "8080")

	return Config{
		ListenAddr:                ":" + port,
		LogLevel:                  envOrDefault("LOG_LEVEL", "info"),
		InstanceID:                envOrDefault("CONSOLE_INSTANCE_ID", hostname()),
		LogsAPIBaseURL:            strings.TrimRight(envOrDefault("LOGS_API_BASE_URL", "http://localhost:3001"), "/"),
		LogsAPITimeoutSeconds:     envOrDefaultInt("LOGS_API_TIMEOUT_SECONDS", 15),
		DatabaseURL:               databaseURL(),
		JournalBackend:            envOrDefault("JOURNAL_BACKEND", "memory"),
		JournalRetentionHours:     envOrDefaultInt("JOURNAL_RETENTION_HOURS", 72),
		RedisAddr:                 redisAddr(),
		PrefsBackend:              envOrDefault("PREFS_BACKEND", "file"),
		PrefsDir:                  envOrDefault("PREFS_DIR", "./data/prefs"),
		PrefsChannelPrefix:        envOrDefault("PREFS_CHANNEL_PREFIX", "console:prefs"),
		InvalidationStream:        envOrDefault("INVALIDATION_STREAM", "console-invalidations"),
		CORSAllowedOrigins:        parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		AnalyticsOrigin:           strings.TrimRight(os.Getenv("ANALYTICS_ORIGIN"), "/"),
		HandoffSecret:             handoffSecret(),
		HandoffTimeoutSeconds:     envOrDefaultInt("HANDOFF_TIMEOUT_SECONDS", 10),
		CacheMaxEntries:           envOrDefaultInt("CACHE_MAX_ENTRIES", 512),
		CacheFreshSeconds:         envOrDefaultInt("CACHE_FRESH_SECONDS", 30),
		SessionTTLMinutes:         envOrDefaultInt("SESSION_TTL_MINUTES", 30),
		MaintenanceIntervalSecond: envOrDefaultInt("MAINTENANCE_INTERVAL_SECONDS", 60),
		RateLimitRequestsPerSec:   envOrDefaultFloat("RATE_LIMIT_REQUESTS_PER_SEC", 25),
		RateLimitBurst:            envOrDefaultInt("RATE_LIMIT_BURST", 50),
		S3Region:                  envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:                os.Getenv("S3_ENDPOINT"),
		S3AccessKey:               envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:               envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:                  envOrDefault("S3_BUCKET", ""),
	}
}

func (c Config) LogsAPITimeout() time.Duration {
	return time.Duration(c.LogsAPITimeoutSeconds) * time.Second
}

func (c Config) HandoffTimeout() time.Duration {
	return time.Duration(c.HandoffTimeoutSeconds) * time.Second
}

func (c Config) CacheFreshFor() time.Duration {
	return time.Duration(c.CacheFreshSeconds) * time.Second
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

func (c Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalSecond) * time.Second
}

func (c Config) JournalRetention() time.Duration {
	return time.Duration(c.JournalRetentionHours) * time.Hour
}

func handoffSecret() string {
	if value := strings.TrimSpace(os.Getenv("HANDOFF_SECRET")); value != "" {
		return value
	}
	return strings.TrimSpace(os.Getenv("CONSOLE_SECRET"))
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "console")
	password := envOrDefault("POSTGRES_PASSWORD", "console")
	database := envOrDefault("POSTGRES_DB", "console")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "console"
	}
	return name
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func redisAddr() string {
	if value := os.Getenv("REDIS_ADDR"); value != "" {
		return value
	}
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed float64
	if _, err := fmt.Sscanf(value, "%f", &parsed); err != nil {
		return fallback
	}
	return parsed
}
