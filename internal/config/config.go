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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Documents DocumentsConfig `yaml:"documents" mapstructure:"documents"`
	Platform  PlatformConfig  `yaml:"platform" mapstructure:"platform"`
	Review    ReviewConfig    `yaml:"review" mapstructure:"review"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Alerts    AlertsConfig    `yaml:"alerts" mapstructure:"alerts"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OCRConfig configures PDF text extraction and page rendering.
type OCRConfig struct {
	Provider          string  `yaml:"provider" mapstructure:"provider"`
	MistralKey        string  `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel      string  `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
	PdfToTextPath     string  `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	PdfToPPMPath      string  `yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	RenderDPI         int     `yaml:"render_dpi" mapstructure:"render_dpi"`
	MaxImageWidth     int     `yaml:"max_image_width" mapstructure:"max_image_width"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// DocumentsConfig configures where source documents are downloaded from.
type DocumentsConfig struct {
	Backend         string `yaml:"backend" mapstructure:"backend"` // "s3" or "platform"
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix" mapstructure:"prefix"`
	Region          string `yaml:"region" mapstructure:"region"`
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	Retries         uint   `yaml:"retries" mapstructure:"retries"`
}

// PlatformConfig configures the source-of-truth REST client.
type PlatformConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the platform request timeout.
func (c PlatformConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// ReviewConfig configures review orchestration.
type ReviewConfig struct {
	DefaultModel      string             `yaml:"default_model" mapstructure:"default_model"`
	Retries           int                `yaml:"retries" mapstructure:"retries"`
	AICallTimeoutSecs int                `yaml:"ai_call_timeout_secs" mapstructure:"ai_call_timeout_secs"`
	UseOCR            bool               `yaml:"use_ocr" mapstructure:"use_ocr"`
	PushBack          bool               `yaml:"push_back" mapstructure:"push_back"`
	DefaultEpsilon    float64            `yaml:"default_epsilon" mapstructure:"default_epsilon"`
	Epsilons          map[string]float64 `yaml:"epsilons" mapstructure:"epsilons"`
	GroupConcurrency  int                `yaml:"group_concurrency" mapstructure:"group_concurrency"`
	TemplatesPath     string             `yaml:"templates_path" mapstructure:"templates_path"`
}

// AICallTimeout returns the per-call AI timeout.
func (c ReviewConfig) AICallTimeout() time.Duration {
	return time.Duration(c.AICallTimeoutSecs) * time.Second
}

// SchedulerConfig configures the polling loop.
type SchedulerConfig struct {
	IntervalSecs int      `yaml:"interval_secs" mapstructure:"interval_secs"`
	Iterations   int      `yaml:"iterations" mapstructure:"iterations"`
	PageSize     int      `yaml:"page_size" mapstructure:"page_size"`
	Status       string   `yaml:"status" mapstructure:"status"`
	Types        []string `yaml:"types" mapstructure:"types"`
	Concurrency  int      `yaml:"concurrency" mapstructure:"concurrency"`

	// DLQMaxRetries is how often a failed item is retried from the dead
	// letter queue before it is left for manual inspection.
	DLQMaxRetries int `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
}

// Interval returns the empty-backlog sleep.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// AlertsConfig configures the alert sink and the background health checker.
type AlertsConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours           int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	DLQThreshold            int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	StaleClaimMinutes       int     `yaml:"stale_claim_minutes" mapstructure:"stale_claim_minutes"`
	CannotValidateThreshold float64 `yaml:"cannot_validate_threshold" mapstructure:"cannot_validate_threshold"`
}

// StaleClaimAge returns how old an incomplete dataset claim may get before it
// is reported as stale.
func (c AlertsConfig) StaleClaimAge() time.Duration {
	return time.Duration(c.StaleClaimMinutes) * time.Minute
}

// PricingConfig holds per-model token pricing overrides.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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
	v.SetEnvPrefix("REVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("openai.max_tokens", 4096)
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.mistral_ocr_model", "mistral-ocr-latest")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.pdftoppm_path", "pdftoppm")
	v.SetDefault("ocr.render_dpi", 150)
	v.SetDefault("ocr.max_image_width", 1600)
	v.SetDefault("ocr.requests_per_second", 2.0)
	v.SetDefault("documents.backend", "platform")
	v.SetDefault("documents.region", "eu-central-1")
	v.SetDefault("documents.retries", 3)
	v.SetDefault("platform.timeout_secs", 30)
	v.SetDefault("review.default_model", "gpt-4o")
	v.SetDefault("review.retries", 3)
	v.SetDefault("review.ai_call_timeout_secs", 120)
	v.SetDefault("review.use_ocr", true)
	v.SetDefault("review.default_epsilon", 0.01)
	v.SetDefault("review.group_concurrency", 4)
	v.SetDefault("scheduler.interval_secs", 60)
	v.SetDefault("scheduler.iterations", 0)
	v.SetDefault("scheduler.page_size", 50)
	v.SetDefault("scheduler.status", "pending_qa")
	v.SetDefault("scheduler.concurrency", 1)
	v.SetDefault("scheduler.dlq_max_retries", 3)
	v.SetDefault("alerts.check_interval_secs", 300)
	v.SetDefault("alerts.lookback_hours", 24)
	v.SetDefault("alerts.dlq_threshold", 25)
	v.SetDefault("alerts.stale_claim_minutes", 60)
	v.SetDefault("alerts.cannot_validate_threshold", 0.25)

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

// Validate checks that the keys required by the given command mode are set.
// Modes: "serve", "schedule", "review", "migrate", "export", "dlq".
func (c *Config) Validate(mode string) error {
	var errs []string

	requireStore := func() {
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}
	requireReview := func() {
		requireStore()
		if c.Platform.BaseURL == "" {
			errs = append(errs, "platform.base_url is required")
		}
		if c.Anthropic.Key == "" && c.OpenAI.Key == "" {
			errs = append(errs, "anthropic.key or openai.key is required")
		}
		if c.Review.Retries < 1 || c.Review.Retries > 10 {
			errs = append(errs, "review.retries must be between 1 and 10")
		}
		if c.Review.AICallTimeoutSecs <= 0 {
			errs = append(errs, "review.ai_call_timeout_secs must be > 0")
		}
		if c.Review.DefaultEpsilon < 0 {
			errs = append(errs, "review.default_epsilon must be >= 0")
		}
		for k, eps := range c.Review.Epsilons {
			if eps < 0 {
				errs = append(errs, "review.epsilons."+k+" must be >= 0")
			}
		}
		if c.Review.GroupConcurrency < 1 || c.Review.GroupConcurrency > 32 {
			errs = append(errs, "review.group_concurrency must be between 1 and 32")
		}
		switch c.Documents.Backend {
		case "platform":
		case "s3":
			if c.Documents.Bucket == "" {
				errs = append(errs, "documents.bucket is required for the s3 backend")
			}
		default:
			errs = append(errs, "documents.backend must be s3 or platform")
		}
		if c.OCR.Provider == "mistral" && c.OCR.MistralKey == "" {
			errs = append(errs, "ocr.mistral_api_key is required for the mistral provider")
		}
	}

	switch mode {
	case "serve":
		requireReview()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "schedule":
		requireReview()
		if c.Scheduler.IntervalSecs < 0 {
			errs = append(errs, "scheduler.interval_secs must be >= 0")
		}
		if c.Scheduler.PageSize < 1 {
			errs = append(errs, "scheduler.page_size must be > 0")
		}
		if c.Scheduler.Concurrency < 1 || c.Scheduler.Concurrency > 16 {
			errs = append(errs, "scheduler.concurrency must be between 1 and 16")
		}
	case "review":
		requireReview()
	case "migrate", "export", "dlq":
		requireStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
