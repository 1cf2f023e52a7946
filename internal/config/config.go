package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OllamaBaseURL    string
	BedrockEnabled   bool
	AWSRegion        string
	DefaultRegion    string

	OTLPEndpoint     string
	TraceSampleRatio float64
	EncryptionKey    string
	AdminAuthEnabled bool
	AdminPassword    string
	CatalogPath      string

	// Dispatch
	AttemptTimeout        time.Duration
	FallbackOnClientError bool

	// Credits
	OpeningCreditsUSD float64
	LowBalanceUSD     float64
	EscrowTTL         time.Duration

	// AWS sinks, all optional
	UsageQueueURL string
	AlertTopicARN string
	PayloadBucket string

	// Horizontal scaling features
	UseDistributedCircuitBreaker bool

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		OpenAIAPIKey:                 getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:                getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:              getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:             getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		OllamaBaseURL:                getEnv("OLLAMA_BASE_URL", ""),
		BedrockEnabled:               getBoolEnv("BEDROCK_ENABLED", false),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		DefaultRegion:                getEnv("DEFAULT_REGION", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		TraceSampleRatio:             getFloatEnv("TRACE_SAMPLE_RATIO", 1),
		EncryptionKey:                getEnv("ENCRYPTION_KEY", ""),
		AdminAuthEnabled:             getBoolEnv("ADMIN_AUTH_ENABLED", false),
		AdminPassword:                getEnv("ADMIN_PASSWORD", ""),
		CatalogPath:                  getEnv("CATALOG_PATH", ""),
		AttemptTimeout:               getDurationEnv("ATTEMPT_TIMEOUT", 60*time.Second),
		FallbackOnClientError:        getBoolEnv("FALLBACK_ON_CLIENT_ERROR", false),
		OpeningCreditsUSD:            getFloatEnv("OPENING_CREDITS_USD", 10),
		LowBalanceUSD:                getFloatEnv("LOW_BALANCE_USD", 1),
		EscrowTTL:                    getDurationEnv("ESCROW_TTL", 15*time.Minute),
		UsageQueueURL:                getEnv("USAGE_QUEUE_URL", ""),
		AlertTopicARN:                getEnv("ALERT_TOPIC_ARN", ""),
		PayloadBucket:                getEnv("PAYLOAD_BUCKET", ""),
		UseDistributedCircuitBreaker: getBoolEnv("USE_DISTRIBUTED_CB", false),
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:                 getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	if cfg.AdminAuthEnabled && cfg.AdminPassword == "" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("ADMIN_PASSWORD is required when ADMIN_AUTH_ENABLED=true without DATABASE_URL")
	}
	if cfg.OpeningCreditsUSD < 0 {
		return nil, fmt.Errorf("OPENING_CREDITS_USD must not be negative")
	}
	if cfg.AttemptTimeout <= 0 {
		return nil, fmt.Errorf("ATTEMPT_TIMEOUT must be positive")
	}
	if (cfg.BedrockEnabled || cfg.UsageQueueURL != "" || cfg.AlertTopicARN != "" || cfg.PayloadBucket != "") && cfg.AWSRegion == "" {
		return nil, fmt.Errorf("AWS_REGION is required when an AWS integration is enabled")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts Go duration strings ("90s") or a bare number of
// seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "":
		return defaultValue
	default:
		return false
	}
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
