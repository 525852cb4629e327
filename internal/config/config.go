// Package config loads process configuration for the fincheck CLI from an
// optional fincheck.yaml and FINCHECK_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full process configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	LLM      LLMConfig      `yaml:"llm" mapstructure:"llm"`
	Reasoner ReasonerConfig `yaml:"reasoner" mapstructure:"reasoner"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"required"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// LLMConfig configures the oracle client and its middleware chain.
type LLMConfig struct {
	Provider string        `yaml:"provider" mapstructure:"provider" validate:"oneof=openai anthropic google"`
	Model    string        `yaml:"model" mapstructure:"model"`
	APIKey   string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL  string        `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"min=0"`
	// RateLimit is requests per second; zero disables local limiting.
	RateLimit      float64              `yaml:"rate_limit" mapstructure:"rate_limit" validate:"min=0"`
	Burst          int                  `yaml:"burst" mapstructure:"burst" validate:"min=0"`
	MaxRetries     int                  `yaml:"max_retries" mapstructure:"max_retries" validate:"min=0,max=10"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig configures the oracle circuit breaker. A zero
// threshold disables it.
type CircuitBreakerConfig struct {
	Threshold int           `yaml:"threshold" mapstructure:"threshold" validate:"min=0"`
	Cooldown  time.Duration `yaml:"cooldown" mapstructure:"cooldown" validate:"min=0"`
}

// ReasonerConfig selects the upstream reasoner.
type ReasonerConfig struct {
	// Mode is "replay" (outputs recorded in the case file) or "llm".
	Mode string `yaml:"mode" mapstructure:"mode" validate:"oneof=replay llm"`
	// Model overrides llm.model for the reasoner, as provider/model.
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens" validate:"min=0"`
}

// PipelineConfig points at the verification pipeline settings.
type PipelineConfig struct {
	// ConfigFile is a pipeline YAML; empty uses the built-in defaults.
	ConfigFile string `yaml:"config_file" mapstructure:"config_file"`
	// RecordsFile receives one JSON line per attempt; empty disables it.
	RecordsFile string `yaml:"records_file" mapstructure:"records_file"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr      string `yaml:"addr" mapstructure:"addr" validate:"required_if=Enabled true"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from path, or from an optional fincheck.yaml in
// the working directory when path is empty, then applies the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fincheck")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FINCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.rate_limit", 5.0)
	v.SetDefault("llm.burst", 5)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.circuit_breaker.threshold", 5)
	v.SetDefault("llm.circuit_breaker.cooldown", 30*time.Second)
	v.SetDefault("reasoner.mode", "replay")
	v.SetDefault("reasoner.model", "")
	v.SetDefault("reasoner.max_tokens", 1500)
	v.SetDefault("pipeline.config_file", "")
	v.SetDefault("pipeline.records_file", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.namespace", "fincheck")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return eris.Wrap(err, "config: validate")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return eris.Wrap(err, "config: log.level")
	}
	return nil
}

// InitLogger builds the global zap logger: JSON for production, console
// for development.
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
