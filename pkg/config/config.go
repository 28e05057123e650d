package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Classifier backends.
const (
	ClassifierRules = "rules"
	ClassifierModel = "model"
)

// Store and catalog backends.
const (
	BackendRedis   = "redis"
	BackendMemory  = "memory"
	BackendFixture = "fixture"
)

type Config struct {
	RedisURL string
	Port     string
	PodID    string
	LogLevel string

	ClassifierBackend string
	ModelID           string
	ModelBaseURL      string
	ModelAPIKey       string

	RepeatClaimLookbackHours int
	MaxTurnRetries           int
	ContextTurns             int
	HighValueThreshold       float64

	ToolTimeoutMS  int64
	ToolMaxRetries int

	StoreBackend   string
	CatalogBackend string
	CatalogPath    string

	APIKey             string
	RateLimitPerMinute int
	MaxMessageChars    int

	HandoffEnabled       bool
	HandoffConsumerGroup string
}

func Load() *Config {
	config := &Config{
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),
		Port:     getEnv("PORT", "8080"),
		PodID:    getEnv("POD_ID", generatePodID()),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ClassifierBackend: strings.ToLower(getEnv("CLASSIFIER_BACKEND", ClassifierRules)),
		ModelID:           getEnv("MODEL_ID", "llama3.1:8b"),
		ModelBaseURL:      getEnv("MODEL_BASE_URL", "http://localhost:11434/v1"),
		ModelAPIKey:       getEnv("MODEL_API_KEY", "ollama"),

		RepeatClaimLookbackHours: getEnvInt("REPEAT_CLAIM_LOOKBACK_HOURS", 24*60),
		MaxTurnRetries:           getEnvInt("MAX_TURN_RETRIES", 1),
		ContextTurns:             getEnvInt("CONTEXT_TURNS", 6),
		HighValueThreshold:       getEnvFloat("HIGH_VALUE_THRESHOLD", 300),

		ToolTimeoutMS:  getEnvInt64("TOOL_TIMEOUT_MS", 5000),
		ToolMaxRetries: getEnvInt("TOOL_MAX_RETRIES", 2),

		StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", BackendRedis)),
		CatalogBackend: strings.ToLower(getEnv("CATALOG_BACKEND", BackendFixture)),
		CatalogPath:    getEnv("CATALOG_PATH", ""),

		APIKey:             strings.TrimSpace(getEnv("API_KEY", "")),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		MaxMessageChars:    getEnvInt("MAX_MESSAGE_CHARS", 2000),

		HandoffEnabled:       getEnvBool("HANDOFF_ENABLED", true),
		HandoffConsumerGroup: getEnv("HANDOFF_CONSUMER_GROUP", "handoff-notifiers"),
	}

	return config
}

// RepeatClaimLookback is the window scanned for repeat claims. Zero means the
// whole conversation.
func (c *Config) RepeatClaimLookback() time.Duration {
	if c.RepeatClaimLookbackHours <= 0 {
		return 0
	}
	return time.Duration(c.RepeatClaimLookbackHours) * time.Hour
}

func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMS) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
