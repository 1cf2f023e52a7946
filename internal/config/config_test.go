package config

import (
	"os"
	"testing"
	"time"
)

var allKeys = []string{
	"ADDR", "LOG_LEVEL", "REDIS_URL", "DATABASE_URL",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL",
	"OLLAMA_BASE_URL", "BEDROCK_ENABLED", "AWS_REGION", "DEFAULT_REGION", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATIO",
	"ENCRYPTION_KEY", "ADMIN_AUTH_ENABLED", "ADMIN_PASSWORD", "CATALOG_PATH",
	"ATTEMPT_TIMEOUT", "FALLBACK_ON_CLIENT_ERROR", "OPENING_CREDITS_USD", "LOW_BALANCE_USD",
	"ESCROW_TTL", "USAGE_QUEUE_URL", "ALERT_TOPIC_ARN", "PAYLOAD_BUCKET",
	"USE_DISTRIBUTED_CB", "SHUTDOWN_TIMEOUT", "DRAIN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Addr", cfg.Addr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"RedisURL", cfg.RedisURL, ""},
		{"DatabaseURL", cfg.DatabaseURL, ""},
		{"OpenAIBaseURL", cfg.OpenAIBaseURL, "https://api.openai.com/v1"},
		{"AnthropicBaseURL", cfg.AnthropicBaseURL, "https://api.anthropic.com"},
		{"OllamaBaseURL", cfg.OllamaBaseURL, ""},
		{"AWSRegion", cfg.AWSRegion, ""},
		{"CatalogPath", cfg.CatalogPath, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.AdminAuthEnabled || cfg.BedrockEnabled || cfg.FallbackOnClientError || cfg.UseDistributedCircuitBreaker {
		t.Error("boolean flags should default to false")
	}
	if cfg.AttemptTimeout != 60*time.Second {
		t.Errorf("AttemptTimeout = %v, want 60s", cfg.AttemptTimeout)
	}
	if cfg.OpeningCreditsUSD != 10 || cfg.LowBalanceUSD != 1 {
		t.Errorf("credits = %v/%v, want 10/1", cfg.OpeningCreditsUSD, cfg.LowBalanceUSD)
	}
	if cfg.EscrowTTL != 15*time.Minute {
		t.Errorf("EscrowTTL = %v, want 15m", cfg.EscrowTTL)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	env := map[string]string{
		"ADDR":                     ":9090",
		"LOG_LEVEL":                "debug",
		"REDIS_URL":                "redis://localhost:6379",
		"DATABASE_URL":             "postgres://localhost/test",
		"OPENAI_API_KEY":           "sk-test-key",
		"ANTHROPIC_BASE_URL":       "http://anthropic.local",
		"OLLAMA_BASE_URL":          "http://ollama:11434",
		"BEDROCK_ENABLED":          "true",
		"AWS_REGION":               "us-east-1",
		"ADMIN_AUTH_ENABLED":       "true",
		"ATTEMPT_TIMEOUT":          "90s",
		"FALLBACK_ON_CLIENT_ERROR": "1",
		"OPENING_CREDITS_USD":      "2.5",
		"ESCROW_TTL":               "120",
		"PAYLOAD_BUCKET":           "payloads",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" || cfg.LogLevel != "debug" {
		t.Errorf("Addr/LogLevel = %q/%q", cfg.Addr, cfg.LogLevel)
	}
	if cfg.AnthropicBaseURL != "http://anthropic.local" || cfg.OllamaBaseURL != "http://ollama:11434" {
		t.Errorf("base urls = %q/%q", cfg.AnthropicBaseURL, cfg.OllamaBaseURL)
	}
	if !cfg.BedrockEnabled || !cfg.AdminAuthEnabled || !cfg.FallbackOnClientError {
		t.Error("flags should be true")
	}
	if cfg.AttemptTimeout != 90*time.Second {
		t.Errorf("AttemptTimeout = %v, want 90s", cfg.AttemptTimeout)
	}
	if cfg.EscrowTTL != 2*time.Minute {
		t.Errorf("EscrowTTL = %v, want 2m", cfg.EscrowTTL)
	}
	if cfg.OpeningCreditsUSD != 2.5 {
		t.Errorf("OpeningCreditsUSD = %v, want 2.5", cfg.OpeningCreditsUSD)
	}
	if cfg.PayloadBucket != "payloads" {
		t.Errorf("PayloadBucket = %q", cfg.PayloadBucket)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"admin auth without password", map[string]string{"ADMIN_AUTH_ENABLED": "true"}},
		{"negative credits", map[string]string{"OPENING_CREDITS_USD": "-1"}},
		{"bedrock without region", map[string]string{"BEDROCK_ENABLED": "true"}},
		{"queue without region", map[string]string{"USAGE_QUEUE_URL": "https://sqs/q"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue string
		expected     string
	}{
		{"env set", "TEST_VAR", "custom", "default", "custom"},
		{"env not set", "TEST_VAR_UNSET", "", "default", "default"},
		{"env empty", "TEST_VAR_EMPTY", "", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.expected {
				t.Errorf("getEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.expected)
			}
		})
	}
}

func TestGetBoolEnv_FalseValues(t *testing.T) {
	falseValues := []string{"false", "0", "no", "FALSE", "maybe"}

	for _, v := range falseValues {
		t.Run("value="+v, func(t *testing.T) {
			t.Setenv("TEST_BOOL", v)
			if getBoolEnv("TEST_BOOL", true) {
				t.Errorf("getBoolEnv should be false for value %q", v)
			}
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"30", 30 * time.Second},
		{"1m30s", 90 * time.Second},
		{"garbage", 5 * time.Second},
		{"", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("TEST_DURATION", tt.value)
		if got := getDurationEnv("TEST_DURATION", 5*time.Second); got != tt.want {
			t.Errorf("getDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
