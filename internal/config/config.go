package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Worker     WorkerConfig     `yaml:"worker"`
	Sync       SyncConfig       `yaml:"sync"`
	Pricing    PricingConfig    `yaml:"pricing"`
	API        APIConfig        `yaml:"api"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type WebhookConfig struct {
	// PublicBaseURL is this service's externally reachable address,
	// used to self-register webhooks on the sink. Empty disables
	// registration.
	PublicBaseURL string `yaml:"public_base_url"`
	// DedupWindowMinutes bounds the payload-hash replay check.
	DedupWindowMinutes int `yaml:"dedup_window_minutes"`
	// RetentionDays bounds how long processed events are kept.
	RetentionDays int `yaml:"retention_days"`
}

type WorkerConfig struct {
	Concurrency  int `yaml:"concurrency"`
	QueueSize    int `yaml:"queue_size"`
	MaxRetries   int `yaml:"max_retries"`
	RetryBaseSec int `yaml:"retry_base_sec"`
	RetryMaxSec  int `yaml:"retry_max_sec"`
	PollSec      int `yaml:"poll_sec"`
}

type SyncConfig struct {
	LockTTLSec       int `yaml:"lock_ttl_sec"`
	LockWaitSec      int `yaml:"lock_wait_sec"`
	PageSize         int `yaml:"page_size"`
	ModifiedTolerSec int `yaml:"modified_tolerance_sec"`
}

type PricingConfig struct {
	// RoundDecimals for final computed prices.
	RoundDecimals int `yaml:"round_decimals"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `yaml:"telegram"`
	Webhook  WebhookAlertConfig  `yaml:"webhook"`
	// ThrottleSec suppresses repeats of the same alert key.
	ThrottleSec int `yaml:"throttle_sec"`
}

type TelegramAlertConfig struct {
	Enabled  bool    `yaml:"enabled"`
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
	Debug    bool    `yaml:"debug"`
}

type WebhookAlertConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; config values may reference its variables.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Alerts.Telegram.Enabled && c.Alerts.Telegram.BotToken == "" {
		return errors.New("alerts.telegram.bot_token is required when telegram alerts are enabled")
	}
	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		return errors.New("alerts.webhook.url is required when webhook alerts are enabled")
	}
	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api.auth.api_keys must not be empty when auth is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "woosync"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 20
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Webhook.DedupWindowMinutes == 0 {
		c.Webhook.DedupWindowMinutes = 10
	}
	if c.Webhook.RetentionDays == 0 {
		c.Webhook.RetentionDays = 30
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.QueueSize == 0 {
		c.Worker.QueueSize = 256
	}
	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 5
	}
	if c.Worker.RetryBaseSec == 0 {
		c.Worker.RetryBaseSec = 2
	}
	if c.Worker.RetryMaxSec == 0 {
		c.Worker.RetryMaxSec = 300
	}
	if c.Worker.PollSec == 0 {
		c.Worker.PollSec = 5
	}

	if c.Sync.LockTTLSec == 0 {
		c.Sync.LockTTLSec = 300
	}
	if c.Sync.LockWaitSec == 0 {
		c.Sync.LockWaitSec = 10
	}
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 50
	}
	if c.Sync.ModifiedTolerSec == 0 {
		c.Sync.ModifiedTolerSec = 10
	}

	if c.Pricing.RoundDecimals == 0 {
		c.Pricing.RoundDecimals = 2
	}

	if c.Alerts.ThrottleSec == 0 {
		c.Alerts.ThrottleSec = 300
	}

	if c.Exports.Path == "" {
		c.Exports.Path = "./exports"
	}
}
