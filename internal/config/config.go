package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Calendly   CalendlyConfig   `yaml:"calendly" mapstructure:"calendly"`
	Esign      EsignConfig      `yaml:"esign" mapstructure:"esign"`
	Portal     PortalConfig     `yaml:"portal" mapstructure:"portal"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Reminder   ReminderConfig   `yaml:"reminder" mapstructure:"reminder"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the checkpoint/audit database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the webhook/admin HTTP server.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	AdminToken      string   `yaml:"admin_token" mapstructure:"admin_token"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	DispatchWorkers int      `yaml:"dispatch_workers" mapstructure:"dispatch_workers"`
}

// CalendlyConfig holds the scheduling-provider webhook settings.
type CalendlyConfig struct {
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	// ToleranceSecs bounds how old a signed webhook timestamp may be.
	// Zero disables the age check.
	ToleranceSecs int `yaml:"tolerance_secs" mapstructure:"tolerance_secs"`
}

// EsignConfig holds e-signature provider API settings.
type EsignConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	// WebhookSecret, when set, is required on envelope status callbacks.
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
}

// PortalConfig holds client-portal provisioning API settings.
type PortalConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// NotionConfig holds Notion API credentials and the projects database ID.
type NotionConfig struct {
	Token      string `yaml:"token" mapstructure:"token"`
	ProjectsDB string `yaml:"projects_db" mapstructure:"projects_db"`
}

// SalesforceConfig holds optional CRM sync settings (JWT auth).
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
}

// AnthropicConfig holds optional scope-of-work drafting settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ReminderConfig configures the stalled-thread sweep.
type ReminderConfig struct {
	MaxCount      int `yaml:"max_count" mapstructure:"max_count"`
	StaleHours    int `yaml:"stale_hours" mapstructure:"stale_hours"`
	IntervalMins  int `yaml:"interval_mins" mapstructure:"interval_mins"`
	SweepParallel int `yaml:"sweep_parallel" mapstructure:"sweep_parallel"`
	// PolicyPath points at an optional per-stage reminder policy file.
	PolicyPath string `yaml:"policy_path" mapstructure:"policy_path"`
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
	v.SetEnvPrefix("ONBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.dispatch_workers", 8)
	v.SetDefault("calendly.tolerance_secs", 300)
	v.SetDefault("esign.base_url", "https://api.docuseal.com")
	v.SetDefault("esign.timeout_secs", 30)
	v.SetDefault("portal.timeout_secs", 30)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("reminder.max_count", 3)
	v.SetDefault("reminder.stale_hours", 48)
	v.SetDefault("reminder.interval_mins", 60)
	v.SetDefault("reminder.sweep_parallel", 4)
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

// Validate checks that the settings required for the given mode are present.
// Mode "serve" additionally requires the webhook signing secret; other
// commands only need the store.
func (c *Config) Validate(mode string) error {
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if mode == "serve" && c.Calendly.WebhookSecret == "" {
		return eris.New("config: calendly.webhook_secret is required")
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
