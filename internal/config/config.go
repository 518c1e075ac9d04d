package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Inference  InferenceConfig  `yaml:"inference" mapstructure:"inference"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Recovery   RecoveryConfig   `yaml:"recovery" mapstructure:"recovery"`
	Classify   ClassifyConfig   `yaml:"classify" mapstructure:"classify"`
	Usage      UsageConfig      `yaml:"usage" mapstructure:"usage"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// InferenceConfig selects the inference provider and the models used for
// each escalation tier.
type InferenceConfig struct {
	Provider         string  `yaml:"provider" mapstructure:"provider"`
	DefaultModel     string  `yaml:"default_model" mapstructure:"default_model"`
	EscalatedModel   string  `yaml:"escalated_model" mapstructure:"escalated_model"`
	MaxOutputTokens  int64   `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit        float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	BackoffMs        int     `yaml:"backoff_ms" mapstructure:"backoff_ms"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GeminiConfig holds Google GenAI settings.
type GeminiConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// ExtractConfig bounds how much of a workbook is sent for extraction.
type ExtractConfig struct {
	MaxSheets          int  `yaml:"max_sheets" mapstructure:"max_sheets"`
	CharBudget         int  `yaml:"char_budget" mapstructure:"char_budget"`
	ChunkRows          int  `yaml:"chunk_rows" mapstructure:"chunk_rows"`
	MaxConcurrency     int  `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	AllowPartial       bool `yaml:"allow_partial" mapstructure:"allow_partial"`
	SharedContextChars int  `yaml:"shared_context_chars" mapstructure:"shared_context_chars"`
}

// RecoveryConfig tunes the response recovery parser.
type RecoveryConfig struct {
	MaxBlockSearchBytes int  `yaml:"max_block_search_bytes" mapstructure:"max_block_search_bytes"`
	Lenient             bool `yaml:"lenient" mapstructure:"lenient"`
}

// ClassifyConfig points at an optional YAML file overriding the sheet-name rules.
type ClassifyConfig struct {
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// UsageConfig configures usage accounting.
type UsageConfig struct {
	UserID string `yaml:"user_id" mapstructure:"user_id"`
	Buffer int    `yaml:"buffer" mapstructure:"buffer"`
}

// PricingConfig holds per-model token pricing overrides.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures run and spend alerting for the server.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	EscalationThreshold  float64 `yaml:"escalation_threshold" mapstructure:"escalation_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config file, and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QUOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("inference.provider", "anthropic")
	v.SetDefault("inference.default_model", "claude-haiku-4-5-20251001")
	v.SetDefault("inference.escalated_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("inference.max_output_tokens", 16000)
	v.SetDefault("inference.timeout_secs", 180)
	v.SetDefault("inference.rate_limit", 2)
	v.SetDefault("inference.backoff_ms", 1500)
	v.SetDefault("inference.breaker_threshold", 5)
	v.SetDefault("inference.breaker_reset_secs", 60)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("gemini.key", "")
	v.SetDefault("extract.max_sheets", 12)
	v.SetDefault("extract.char_budget", 80000)
	v.SetDefault("extract.chunk_rows", 120)
	v.SetDefault("extract.max_concurrency", 1)
	v.SetDefault("extract.allow_partial", false)
	v.SetDefault("extract.shared_context_chars", 3000)
	v.SetDefault("recovery.max_block_search_bytes", 32768)
	v.SetDefault("recovery.lenient", true)
	v.SetDefault("classify.rules_file", "")
	v.SetDefault("usage.user_id", "cli")
	v.SetDefault("usage.buffer", 256)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "quote-extract.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 0)
	v.SetDefault("monitoring.escalation_threshold", 0.5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that the configuration can drive an extraction.
func (c *Config) Validate() error {
	switch c.Inference.Provider {
	case "anthropic":
		if c.Anthropic.Key == "" {
			return eris.New("config: anthropic.key is required for provider anthropic")
		}
	case "gemini":
		if c.Gemini.Key == "" {
			return eris.New("config: gemini.key is required for provider gemini")
		}
	default:
		return eris.Errorf("config: unknown inference.provider %q", c.Inference.Provider)
	}

	if c.Inference.DefaultModel == "" {
		return eris.New("config: inference.default_model is required")
	}
	if c.Inference.MaxOutputTokens <= 0 {
		return eris.New("config: inference.max_output_tokens must be positive")
	}
	if c.Extract.MaxSheets <= 0 {
		return eris.New("config: extract.max_sheets must be positive")
	}
	if c.Extract.CharBudget <= 0 {
		return eris.New("config: extract.char_budget must be positive")
	}
	if c.Extract.ChunkRows <= 0 {
		return eris.New("config: extract.chunk_rows must be positive")
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.Errorf("config: store.database_url is required for driver %s", c.Store.Driver)
		}
	case "none", "":
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
