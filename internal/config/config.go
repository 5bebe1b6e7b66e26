package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/macjediwizard/familyhub/internal/validator"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig    `yaml:"server"`
	Database     DatabaseConfig  `yaml:"database"`
	CalDAV       CalDAVConfig    `yaml:"caldav"`
	Sync         SyncConfig      `yaml:"sync"`
	RateLimiting RateLimitConfig `yaml:"rate_limit"`
	BasicAuth    BasicAuthConfig `yaml:"basic_auth"`
	Alerts       AlertConfig     `yaml:"alerts"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int         `yaml:"port"`
	Environment    Environment `yaml:"environment"`
	AllowedOrigins []string    `yaml:"allowed_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CalDAVConfig holds CalDAV-related configuration.
type CalDAVConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ProductID      string `yaml:"product_id"`
}

// SyncConfig holds background sync configuration.
type SyncConfig struct {
	RepairCron        string `yaml:"repair_cron"`
	RepairBatch       int    `yaml:"repair_batch"`
	LogRetentionDays  int    `yaml:"log_retention_days"`
	SeriesConcurrency int    `yaml:"series_concurrency"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BasicAuthConfig enables HTTP Basic auth on the API when both fields are set.
type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AlertConfig holds webhook and email alert configuration.
type AlertConfig struct {
	WebhookURL      string `yaml:"webhook_url"`
	CooldownMinutes int    `yaml:"cooldown_minutes"`

	SMTPHost     string   `yaml:"smtp_host"`
	SMTPPort     int      `yaml:"smtp_port"`
	SMTPUsername string   `yaml:"smtp_username"`
	SMTPPassword string   `yaml:"smtp_password"`
	SMTPFrom     string   `yaml:"smtp_from"`
	SMTPTo       []string `yaml:"smtp_to"`
	SMTPTLS      bool     `yaml:"smtp_tls"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			Environment: EnvProduction,
		},
		Database: DatabaseConfig{
			Path: "./data/familyhub.db",
		},
		CalDAV: CalDAVConfig{
			BaseURL:        "https://caldav.icloud.com",
			TimeoutSeconds: 30,
			ProductID:      "-//Family Hub//EN",
		},
		Sync: SyncConfig{
			RepairCron:        "*/15 * * * *",
			RepairBatch:       50,
			LogRetentionDays:  30,
			SeriesConcurrency: 4,
		},
		RateLimiting: RateLimitConfig{
			RPS:   10.0,
			Burst: 20,
		},
		Alerts: AlertConfig{
			CooldownMinutes: 60,
			SMTPPort:        587,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, a .env file if present, and finally environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.Server.Environment = Environment(strings.ToLower(string(cfg.Server.Environment)))

	if missing := cfg.getMissingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: CONFIG_FILE: %w", ErrInvalidConfig, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: CONFIG_FILE: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	if c.Server.Port, err = getEnvInt("PORT", c.Server.Port); err != nil {
		return fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	c.Server.Environment = Environment(getEnv("ENVIRONMENT", string(c.Server.Environment)))
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	c.Database.Path = getEnv("DATABASE_PATH", c.Database.Path)

	c.CalDAV.BaseURL = getEnv("CALDAV_BASE_URL", c.CalDAV.BaseURL)
	if c.CalDAV.TimeoutSeconds, err = getEnvInt("CALDAV_TIMEOUT_SECONDS", c.CalDAV.TimeoutSeconds); err != nil {
		return fmt.Errorf("%w: CALDAV_TIMEOUT_SECONDS: %w", ErrInvalidConfig, err)
	}
	c.CalDAV.ProductID = getEnv("ICS_PRODUCT_ID", c.CalDAV.ProductID)

	c.Sync.RepairCron = getEnv("SYNC_REPAIR_CRON", c.Sync.RepairCron)
	if c.Sync.RepairBatch, err = getEnvInt("SYNC_REPAIR_BATCH", c.Sync.RepairBatch); err != nil {
		return fmt.Errorf("%w: SYNC_REPAIR_BATCH: %w", ErrInvalidConfig, err)
	}
	if c.Sync.LogRetentionDays, err = getEnvInt("SYNC_LOG_RETENTION_DAYS", c.Sync.LogRetentionDays); err != nil {
		return fmt.Errorf("%w: SYNC_LOG_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}
	if c.Sync.SeriesConcurrency, err = getEnvInt("SYNC_SERIES_CONCURRENCY", c.Sync.SeriesConcurrency); err != nil {
		return fmt.Errorf("%w: SYNC_SERIES_CONCURRENCY: %w", ErrInvalidConfig, err)
	}

	if c.RateLimiting.RPS, err = getEnvFloat("RATE_LIMIT_RPS", c.RateLimiting.RPS); err != nil {
		return fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	if c.RateLimiting.Burst, err = getEnvInt("RATE_LIMIT_BURST", c.RateLimiting.Burst); err != nil {
		return fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}

	c.BasicAuth.Username = getEnv("API_USERNAME", c.BasicAuth.Username)
	c.BasicAuth.Password = getEnv("API_PASSWORD", c.BasicAuth.Password)

	c.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Alerts.WebhookURL)
	if c.Alerts.CooldownMinutes, err = getEnvInt("ALERT_COOLDOWN_MINUTES", c.Alerts.CooldownMinutes); err != nil {
		return fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}

	c.Alerts.SMTPHost = getEnv("SMTP_HOST", c.Alerts.SMTPHost)
	if c.Alerts.SMTPPort, err = getEnvInt("SMTP_PORT", c.Alerts.SMTPPort); err != nil {
		return fmt.Errorf("%w: SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	c.Alerts.SMTPUsername = getEnv("SMTP_USERNAME", c.Alerts.SMTPUsername)
	c.Alerts.SMTPPassword = getEnv("SMTP_PASSWORD", c.Alerts.SMTPPassword)
	c.Alerts.SMTPFrom = getEnv("SMTP_FROM", c.Alerts.SMTPFrom)
	if to := os.Getenv("SMTP_TO"); to != "" {
		c.Alerts.SMTPTo = splitList(to)
	}
	if tlsValue := os.Getenv("SMTP_TLS"); tlsValue != "" {
		if c.Alerts.SMTPTLS, err = strconv.ParseBool(tlsValue); err != nil {
			return fmt.Errorf("%w: SMTP_TLS: %w", ErrInvalidConfig, err)
		}
	}

	return nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Database.Path == "" {
		missing = append(missing, "DATABASE_PATH")
	}
	if c.CalDAV.BaseURL == "" {
		missing = append(missing, "CALDAV_BASE_URL")
	}
	// Basic auth is all or nothing.
	if c.BasicAuth.Username != "" && c.BasicAuth.Password == "" {
		missing = append(missing, "API_PASSWORD")
	}
	if c.BasicAuth.Password != "" && c.BasicAuth.Username == "" {
		missing = append(missing, "API_USERNAME")
	}

	return missing
}

// Validate checks value formats and ranges.
func (c *Config) Validate() error {
	v := validator.New(validator.WithAllowPrivateIPs())

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: PORT: out of range", ErrValidationFailed)
	}
	if c.Server.Environment != EnvDevelopment && c.Server.Environment != EnvProduction {
		return fmt.Errorf("%w: ENVIRONMENT: must be development or production", ErrValidationFailed)
	}

	if err := v.ValidateURL(c.CalDAV.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: CALDAV_BASE_URL: %w", ErrValidationFailed, err)
	}
	if c.CalDAV.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: CALDAV_TIMEOUT_SECONDS: must be positive", ErrValidationFailed)
	}

	if err := v.ValidateCron(c.Sync.RepairCron); err != nil {
		return fmt.Errorf("%w: SYNC_REPAIR_CRON: %w", ErrValidationFailed, err)
	}
	if c.Sync.RepairBatch <= 0 {
		return fmt.Errorf("%w: SYNC_REPAIR_BATCH: must be positive", ErrValidationFailed)
	}
	if c.Sync.LogRetentionDays <= 0 {
		return fmt.Errorf("%w: SYNC_LOG_RETENTION_DAYS: must be positive", ErrValidationFailed)
	}
	if c.Sync.SeriesConcurrency <= 0 {
		return fmt.Errorf("%w: SYNC_SERIES_CONCURRENCY: must be positive", ErrValidationFailed)
	}

	if c.RateLimiting.RPS <= 0 || c.RateLimiting.Burst <= 0 {
		return fmt.Errorf("%w: RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive", ErrValidationFailed)
	}

	if c.Alerts.WebhookURL != "" {
		// Production webhooks must not target private addresses.
		webhooks := v
		if c.IsProduction() {
			webhooks = validator.New()
		}
		if err := webhooks.ValidateURL(c.Alerts.WebhookURL, c.IsProduction()); err != nil {
			return fmt.Errorf("%w: ALERT_WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}

	if c.Alerts.SMTPHost != "" {
		if c.Alerts.SMTPPort <= 0 || c.Alerts.SMTPPort > 65535 {
			return fmt.Errorf("%w: SMTP_PORT: out of range", ErrValidationFailed)
		}
		if err := v.ValidateEmail(c.Alerts.SMTPFrom); err != nil {
			return fmt.Errorf("%w: SMTP_FROM: %w", ErrValidationFailed, err)
		}
		if len(c.Alerts.SMTPTo) == 0 {
			return fmt.Errorf("%w: SMTP_TO: at least one recipient is required", ErrValidationFailed)
		}
		for _, to := range c.Alerts.SMTPTo {
			if err := v.ValidateEmail(to); err != nil {
				return fmt.Errorf("%w: SMTP_TO: %w", ErrValidationFailed, err)
			}
		}
		if c.Alerts.SMTPUsername != "" && c.Alerts.SMTPPassword == "" {
			return fmt.Errorf("%w: SMTP_PASSWORD: required with SMTP_USERNAME", ErrValidationFailed)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// BasicAuthEnabled reports whether the API requires HTTP Basic auth.
func (c *Config) BasicAuthEnabled() bool {
	return c.BasicAuth.Username != "" && c.BasicAuth.Password != ""
}

// CalDAVTimeout returns the per-request CalDAV timeout.
func (c *Config) CalDAVTimeout() time.Duration {
	return time.Duration(c.CalDAV.TimeoutSeconds) * time.Second
}

// AlertCooldown returns the minimum gap between alerts for one account.
func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.Alerts.CooldownMinutes) * time.Minute
}

// LogRetention returns how long sync logs are kept.
func (c *Config) LogRetention() time.Duration {
	return time.Duration(c.Sync.LogRetentionDays) * 24 * time.Hour
}

// getEnv returns the value of an environment variable or a default value.
// splitList splits a comma-separated value, dropping blank entries.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}
