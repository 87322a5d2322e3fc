package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Slack      SlackConfig      `yaml:"slack" mapstructure:"slack"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings and per-stage models.
type AnthropicConfig struct {
	Key             string  `yaml:"key" mapstructure:"key"`
	ClassifierModel string  `yaml:"classifier_model" mapstructure:"classifier_model"`
	ParserModel     string  `yaml:"parser_model" mapstructure:"parser_model"`
	DrawingModel    string  `yaml:"drawing_model" mapstructure:"drawing_model"`
	EstimatorModel  string  `yaml:"estimator_model" mapstructure:"estimator_model"`
	RatePerSecond   float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst       int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// SchedulerConfig sizes the worker pool and the dead-letter sweep.
type SchedulerConfig struct {
	FastWorkers    int    `yaml:"fast_workers" mapstructure:"fast_workers"`
	AIWorkers      int    `yaml:"ai_workers" mapstructure:"ai_workers"`
	QueueDepth     int    `yaml:"queue_depth" mapstructure:"queue_depth"`
	SweepInterval  string `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	SweepBatchSize int    `yaml:"sweep_batch_size" mapstructure:"sweep_batch_size"`
}

// PipelineConfig configures routing, reconciliation, and costing.
type PipelineConfig struct {
	ReviewThreshold    float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
	AutoEstimate       bool    `yaml:"auto_estimate" mapstructure:"auto_estimate"`
	AutoOffer          bool    `yaml:"auto_offer" mapstructure:"auto_offer"`
	AutoCreateOrders   bool    `yaml:"auto_create_orders" mapstructure:"auto_create_orders"`
	LaborRate          float64 `yaml:"labor_rate" mapstructure:"labor_rate"`
	MarginPercent      float64 `yaml:"margin_percent" mapstructure:"margin_percent"`
	OperationsTemplate string  `yaml:"operations_template" mapstructure:"operations_template"`
	OfferDir           string  `yaml:"offer_dir" mapstructure:"offer_dir"`
}

// SlackConfig holds the operator notification channel.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token" mapstructure:"bot_token"`
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr           string   `yaml:"addr" mapstructure:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background health checker. Zero
// thresholds disable the corresponding alert.
type MonitoringConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckInterval string  `yaml:"check_interval" mapstructure:"check_interval"`
	LookbackHours int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	MaxFailRate   float64 `yaml:"max_fail_rate" mapstructure:"max_fail_rate"`
	MaxDLQBacklog int     `yaml:"max_dlq_backlog" mapstructure:"max_dlq_backlog"`
	MaxCostUSD    float64 `yaml:"max_cost_usd" mapstructure:"max_cost_usd"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STEELFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "steelflow.db")
	v.SetDefault("anthropic.classifier_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.parser_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.drawing_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.estimator_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.rate_per_second", 2.0)
	v.SetDefault("anthropic.rate_burst", 4)
	v.SetDefault("scheduler.fast_workers", 8)
	v.SetDefault("scheduler.ai_workers", 2)
	v.SetDefault("scheduler.queue_depth", 256)
	v.SetDefault("scheduler.sweep_interval", "10m")
	v.SetDefault("scheduler.sweep_batch_size", 20)
	v.SetDefault("pipeline.review_threshold", 0.7)
	v.SetDefault("pipeline.auto_estimate", true)
	v.SetDefault("pipeline.auto_offer", true)
	v.SetDefault("pipeline.auto_create_orders", true)
	v.SetDefault("pipeline.labor_rate", 850.0)
	v.SetDefault("pipeline.margin_percent", 18.0)
	v.SetDefault("pipeline.offer_dir", "offers")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval", "5m")
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.max_fail_rate", 0.25)
	v.SetDefault("monitoring.max_dlq_backlog", 25)
	v.SetDefault("monitoring.max_cost_usd", 0.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the configuration for a given run mode. Modes: worker
// (scheduler pool + AI stages), serve (HTTP API), migrate (schema only).
func (c *Config) Validate(mode string) error {
	var problems []string

	common := func() {
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			problems = append(problems, "store.driver must be sqlite or postgres")
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	}

	switch mode {
	case "worker":
		common()
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Scheduler.FastWorkers < 1 || c.Scheduler.FastWorkers > 64 {
			problems = append(problems, "scheduler.fast_workers must be between 1 and 64")
		}
		if c.Scheduler.AIWorkers < 1 || c.Scheduler.AIWorkers > 16 {
			problems = append(problems, "scheduler.ai_workers must be between 1 and 16")
		}
		if c.Pipeline.ReviewThreshold < 0 || c.Pipeline.ReviewThreshold > 1 {
			problems = append(problems, "pipeline.review_threshold must be between 0 and 1")
		}
		if c.Pipeline.LaborRate <= 0 {
			problems = append(problems, "pipeline.labor_rate must be > 0")
		}
		if c.Pipeline.MarginPercent < 0 || c.Pipeline.MarginPercent >= 100 {
			problems = append(problems, "pipeline.margin_percent must be in [0, 100)")
		}
		if c.Monitoring.Enabled {
			if _, err := time.ParseDuration(c.Monitoring.CheckInterval); err != nil {
				problems = append(problems, "monitoring.check_interval must be a duration")
			}
			if c.Monitoring.MaxFailRate < 0 || c.Monitoring.MaxFailRate > 1 {
				problems = append(problems, "monitoring.max_fail_rate must be between 0 and 1")
			}
		}
	case "serve":
		common()
		if c.Server.Addr == "" {
			problems = append(problems, "server.addr is required")
		}
	case "migrate":
		common()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
