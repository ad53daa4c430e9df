package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cellsage/ai-engine/internal/domain"
)

type Config struct {
	Addr     string
	LogLevel string

	RedisURL    string
	DatabaseURL string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OllamaBaseURL    string
	BedrockEnabled   bool
	AWSRegion        string

	// ProviderOrder is the fallback list, tried strictly in order.
	ProviderOrder []string

	JudgeEnabled bool

	CacheTTL time.Duration
	// CacheCoalesce serializes identical concurrent cache misses behind a
	// single provider call. Off by default.
	CacheCoalesce       bool
	BudgetWarnRatio     float64
	BudgetCriticalRatio float64

	HistoryPerKey  int
	HistoryMaxKeys int

	OTLPEndpoint     string
	EncryptionKey    string
	SecretsPrefix    string
	SNSTopicARN      string
	SQSQueueURL      string
	AdminAuthEnabled bool

	UseDistributedCircuitBreaker bool

	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	tierOverrides map[domain.Tier]float64
	quotas        map[string][2]int
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
		OllamaBaseURL:                getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		BedrockEnabled:               getEnv("BEDROCK_ENABLED", "false") == "true",
		AWSRegion:                    getEnv("AWS_REGION", ""),
		ProviderOrder:                splitList(getEnv("PROVIDER_ORDER", "openai,anthropic,bedrock,ollama")),
		JudgeEnabled:                 getEnv("JUDGE_ENABLED", "true") == "true",
		CacheTTL:                     getDurationEnv("CACHE_TTL", time.Hour),
		CacheCoalesce:                getEnv("CACHE_COALESCE", "false") == "true",
		BudgetWarnRatio:              getFloatEnv("BUDGET_WARN_RATIO", 0.90),
		BudgetCriticalRatio:          getFloatEnv("BUDGET_CRITICAL_RATIO", 1.0),
		HistoryPerKey:                getIntEnv("ESCALATION_HISTORY_PER_KEY", 10),
		HistoryMaxKeys:               getIntEnv("ESCALATION_HISTORY_MAX_KEYS", 1000),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		EncryptionKey:                getEnv("ENCRYPTION_KEY", ""),
		SecretsPrefix:                getEnv("SECRETS_PREFIX", ""),
		SNSTopicARN:                  getEnv("SNS_TOPIC_ARN", ""),
		SQSQueueURL:                  getEnv("SQS_QUEUE_URL", ""),
		AdminAuthEnabled:             getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:                 getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
		tierOverrides: map[domain.Tier]float64{
			domain.Tier1: getFloatEnv("TIER1_QUALITY_THRESHOLD", 7.5),
			domain.Tier2: getFloatEnv("TIER2_QUALITY_THRESHOLD", 8.5),
		},
		quotas: map[string][2]int{
			"openai":    {getIntEnv("OPENAI_RPM", 500), getIntEnv("OPENAI_TPM", 200000)},
			"anthropic": {getIntEnv("ANTHROPIC_RPM", 300), getIntEnv("ANTHROPIC_TPM", 120000)},
			"bedrock":   {getIntEnv("BEDROCK_RPM", 200), getIntEnv("BEDROCK_TPM", 100000)},
			"ollama":    {getIntEnv("OLLAMA_RPM", 120), getIntEnv("OLLAMA_TPM", 60000)},
		},
	}

	return cfg, nil
}

// Tiers returns the tier table: per-million pricing, output caps, the
// quality threshold below which escalation triggers, and budget-unit policy.
// Tier3 has no threshold because there is nowhere further to escalate.
func (c *Config) Tiers() []domain.TierConfig {
	return []domain.TierConfig{
		{
			Tier:             domain.Tier1,
			InputPricePerM:   0.80,
			OutputPricePerM:  4.00,
			MaxOutputTokens:  1024,
			QualityThreshold: c.tierOverrides[domain.Tier1],
			MinBudgetUnits:   1,
			UnitMultiplier:   1.0,
		},
		{
			Tier:             domain.Tier2,
			InputPricePerM:   3.00,
			OutputPricePerM:  15.00,
			MaxOutputTokens:  2048,
			QualityThreshold: c.tierOverrides[domain.Tier2],
			MinBudgetUnits:   5,
			UnitMultiplier:   2.6,
		},
		{
			Tier:             domain.Tier3,
			InputPricePerM:   15.00,
			OutputPricePerM:  75.00,
			MaxOutputTokens:  4096,
			QualityThreshold: 0,
			MinBudgetUnits:   20,
			UnitMultiplier:   10.0,
		},
	}
}

// Providers returns the descriptors for every known vendor, credentialed or
// not. The orchestrator filters on HasCredential.
func (c *Config) Providers() []domain.ProviderDescriptor {
	return []domain.ProviderDescriptor{
		{
			Name:          "openai",
			BaseURL:       c.OpenAIBaseURL,
			HasCredential: c.OpenAIAPIKey != "",
			Models: map[domain.Tier]string{
				domain.Tier1: getEnv("OPENAI_TIER1_MODEL", "gpt-4o-mini"),
				domain.Tier2: getEnv("OPENAI_TIER2_MODEL", "gpt-4o"),
				domain.Tier3: getEnv("OPENAI_TIER3_MODEL", "gpt-4"),
			},
			RequestsPerMinute: c.quotas["openai"][0],
			TokensPerMinute:   c.quotas["openai"][1],
			Multimodal:        true,
		},
		{
			Name:          "anthropic",
			BaseURL:       c.AnthropicBaseURL,
			HasCredential: c.AnthropicAPIKey != "",
			Models: map[domain.Tier]string{
				domain.Tier1: getEnv("ANTHROPIC_TIER1_MODEL", "claude-3-5-haiku-20241022"),
				domain.Tier2: getEnv("ANTHROPIC_TIER2_MODEL", "claude-3-5-sonnet-20241022"),
				domain.Tier3: getEnv("ANTHROPIC_TIER3_MODEL", "claude-3-opus-20240229"),
			},
			RequestsPerMinute: c.quotas["anthropic"][0],
			TokensPerMinute:   c.quotas["anthropic"][1],
			Multimodal:        true,
		},
		{
			Name:          "bedrock",
			HasCredential: c.BedrockEnabled && c.AWSRegion != "",
			Models: map[domain.Tier]string{
				domain.Tier1: getEnv("BEDROCK_TIER1_MODEL", "anthropic.claude-3-5-haiku-20241022-v1:0"),
				domain.Tier2: getEnv("BEDROCK_TIER2_MODEL", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
				domain.Tier3: getEnv("BEDROCK_TIER3_MODEL", "anthropic.claude-3-opus-20240229-v1:0"),
			},
			RequestsPerMinute: c.quotas["bedrock"][0],
			TokensPerMinute:   c.quotas["bedrock"][1],
			Multimodal:        true,
		},
		{
			Name:          "ollama",
			BaseURL:       c.OllamaBaseURL,
			HasCredential: true,
			Models: map[domain.Tier]string{
				domain.Tier1: getEnv("OLLAMA_TIER1_MODEL", "llama3.1:8b"),
			},
			RequestsPerMinute: c.quotas["ollama"][0],
			TokensPerMinute:   c.quotas["ollama"][1],
			Multimodal:        false,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
