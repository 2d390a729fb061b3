// Package config handles loading and validating displaywatch configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ErrConfigFileNotFound is returned by Load when the specified config file does not exist.
var ErrConfigFileNotFound = errors.New("config file not found")

// Config is the top-level displaywatch configuration.
type Config struct {
	Listen        string              `yaml:"listen"`
	DBPath        string              `yaml:"db_path"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// MonitoringConfig holds the parameters of the monitoring loop. All values are
// static for the process lifetime.
type MonitoringConfig struct {
	HeartbeatTimeout       Duration `yaml:"heartbeat_timeout"`
	OfflineAlertThreshold  Duration `yaml:"offline_alert_threshold"`
	PerformanceThresholdMs int64    `yaml:"performance_threshold_ms"`
	MaxConsecutiveFailures uint     `yaml:"max_consecutive_failures"`
	CheckInterval          Duration `yaml:"check_interval"`
	CleanupInterval        Duration `yaml:"cleanup_interval"`
	HeartbeatRetentionDays int      `yaml:"heartbeat_retention_days"`
	AlertRetentionDays     int      `yaml:"alert_retention_days"`
}

// NotificationsConfig holds per-channel delivery settings.
type NotificationsConfig struct {
	SweepInterval Duration       `yaml:"sweep_interval"`
	Email         *EmailConfig   `yaml:"email,omitempty"`
	Webhook       *WebhookConfig `yaml:"webhook,omitempty"`
	SMS           *SMSConfig     `yaml:"sms,omitempty"`
}

// EmailConfig describes the SMTP email channel.
type EmailConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Cooldown   Duration `yaml:"cooldown"`
	SMTPHost   string   `yaml:"smtp_host"`
	SMTPPort   int      `yaml:"smtp_port"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	From       string   `yaml:"from"`
	Recipients []string `yaml:"recipients"`
}

// WebhookConfig describes the HTTP webhook channel.
type WebhookConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Cooldown Duration          `yaml:"cooldown"`
	URL      string            `yaml:"url"`
	Method   string            `yaml:"method,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// SMSConfig describes the SMS gateway channel.
type SMSConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Cooldown   Duration `yaml:"cooldown"`
	GatewayURL string   `yaml:"gateway_url"`
	APIToken   string   `yaml:"api_token"`
	Recipients []string `yaml:"recipients"`
}

// Duration wraps time.Duration with YAML string parsing support.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads configuration from a YAML file. If no path is given, defaults
// plus environment overrides are used. If a path is given and the file does
// not exist, ErrConfigFileNotFound is returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: text, json")
	}

	m := &c.Monitoring
	if m.HeartbeatTimeout.Duration <= 0 {
		return fmt.Errorf("monitoring.heartbeat_timeout must be > 0")
	}
	if m.OfflineAlertThreshold.Duration <= 0 {
		return fmt.Errorf("monitoring.offline_alert_threshold must be > 0")
	}
	if m.MaxConsecutiveFailures == 0 {
		return fmt.Errorf("monitoring.max_consecutive_failures must be >= 1")
	}
	if m.CheckInterval.Duration <= 0 {
		return fmt.Errorf("monitoring.check_interval must be > 0")
	}
	if m.CleanupInterval.Duration <= 0 {
		return fmt.Errorf("monitoring.cleanup_interval must be > 0")
	}
	if m.HeartbeatRetentionDays < 1 {
		return fmt.Errorf("monitoring.heartbeat_retention_days must be >= 1")
	}
	if m.AlertRetentionDays < 1 {
		return fmt.Errorf("monitoring.alert_retention_days must be >= 1")
	}

	if e := c.Notifications.Email; e != nil && e.Enabled {
		if e.SMTPHost == "" {
			return fmt.Errorf("notifications.email: smtp_host is required")
		}
		if e.SMTPPort == 0 {
			return fmt.Errorf("notifications.email: smtp_port is required")
		}
		if e.From == "" {
			return fmt.Errorf("notifications.email: from is required")
		}
		if len(e.Recipients) == 0 {
			return fmt.Errorf("notifications.email: at least one recipient is required")
		}
	}
	if w := c.Notifications.Webhook; w != nil && w.Enabled {
		if w.URL == "" {
			return fmt.Errorf("notifications.webhook: url is required")
		}
		if _, err := url.Parse(w.URL); err != nil {
			return fmt.Errorf("notifications.webhook: invalid url: %w", err)
		}
	}
	if s := c.Notifications.SMS; s != nil && s.Enabled {
		if s.GatewayURL == "" {
			return fmt.Errorf("notifications.sms: gateway_url is required")
		}
		if len(s.Recipients) == 0 {
			return fmt.Errorf("notifications.sms: at least one recipient is required")
		}
	}

	return nil
}

func defaults() *Config {
	return &Config{
		Listen:    ":3900",
		DBPath:    "/data/displaywatch.db",
		LogLevel:  "info",
		LogFormat: "text",
		Monitoring: MonitoringConfig{
			HeartbeatTimeout:       Duration{5 * time.Minute},
			OfflineAlertThreshold:  Duration{5 * time.Minute},
			PerformanceThresholdMs: 5000,
			MaxConsecutiveFailures: 3,
			CheckInterval:          Duration{1 * time.Minute},
			CleanupInterval:        Duration{6 * time.Hour},
			HeartbeatRetentionDays: 7,
			AlertRetentionDays:     30,
		},
		Notifications: NotificationsConfig{
			SweepInterval: Duration{5 * time.Minute},
			Email:         &EmailConfig{Cooldown: Duration{30 * time.Minute}},
			Webhook:       &WebhookConfig{Cooldown: Duration{5 * time.Minute}},
			SMS:           &SMSConfig{Cooldown: Duration{60 * time.Minute}},
		},
	}
}

// expandEnvVars replaces ${VAR_NAME} placeholders in raw YAML with the
// corresponding environment variable values. Unset variables are replaced
// with an empty string, which will then fail validation with a clear error.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := string(match[2 : len(match)-1]) // strip ${ and }
		return []byte(os.Getenv(key))
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISPLAYWATCH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DISPLAYWATCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DISPLAYWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DISPLAYWATCH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("DISPLAYWATCH_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitoring.HeartbeatTimeout = Duration{d}
		}
	}
	if v := os.Getenv("DISPLAYWATCH_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitoring.CheckInterval = Duration{d}
		}
	}
	if v := os.Getenv("DISPLAYWATCH_MAX_CONSECUTIVE_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Monitoring.MaxConsecutiveFailures = uint(n)
		}
	}

	// Single webhook target from env (only if none configured in YAML).
	if cfg.Notifications.Webhook != nil && !cfg.Notifications.Webhook.Enabled {
		if u := os.Getenv("DISPLAYWATCH_WEBHOOK_URL"); u != "" {
			cfg.Notifications.Webhook.Enabled = true
			cfg.Notifications.Webhook.URL = u
		}
	}
}
