package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "displaywatch.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3900", cfg.Listen)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Monitoring.HeartbeatTimeout.Duration)
	assert.Equal(t, uint(3), cfg.Monitoring.MaxConsecutiveFailures)
	assert.Equal(t, 7, cfg.Monitoring.HeartbeatRetentionDays)
	assert.Equal(t, 30*time.Minute, cfg.Notifications.Email.Cooldown.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Notifications.Webhook.Cooldown.Duration)
	assert.Equal(t, time.Hour, cfg.Notifications.SMS.Cooldown.Duration)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/displaywatch.yml")
	assert.True(t, errors.Is(err, ErrConfigFileNotFound))
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":4000"
log_level: debug
monitoring:
  heartbeat_timeout: 2m
  check_interval: 30s
notifications:
  webhook:
    enabled: true
    url: https://hooks.example.com/x
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Minute, cfg.Monitoring.HeartbeatTimeout.Duration)
	assert.Equal(t, 30*time.Second, cfg.Monitoring.CheckInterval.Duration)
	require.NotNil(t, cfg.Notifications.Webhook)
	assert.True(t, cfg.Notifications.Webhook.Enabled)
	// Unset keys keep their defaults.
	assert.Equal(t, uint(3), cfg.Monitoring.MaxConsecutiveFailures)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_URL", "https://hooks.example.com/expanded")

	path := writeConfig(t, `
notifications:
  webhook:
    enabled: true
    url: ${TEST_WEBHOOK_URL}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/expanded", cfg.Notifications.Webhook.URL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DISPLAYWATCH_LISTEN", ":9999")
	t.Setenv("DISPLAYWATCH_HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("DISPLAYWATCH_MAX_CONSECUTIVE_FAILURES", "5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, 90*time.Second, cfg.Monitoring.HeartbeatTimeout.Duration)
	assert.Equal(t, uint(5), cfg.Monitoring.MaxConsecutiveFailures)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
monitoring:
  heartbeat_timeout: not-a-duration
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "log_level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "log_format",
		},
		{
			name:    "zero heartbeat timeout",
			mutate:  func(c *Config) { c.Monitoring.HeartbeatTimeout = Duration{} },
			wantErr: "heartbeat_timeout",
		},
		{
			name:    "zero max failures",
			mutate:  func(c *Config) { c.Monitoring.MaxConsecutiveFailures = 0 },
			wantErr: "max_consecutive_failures",
		},
		{
			name: "email enabled without host",
			mutate: func(c *Config) {
				c.Notifications.Email.Enabled = true
				c.Notifications.Email.SMTPPort = 587
				c.Notifications.Email.From = "x@example.com"
				c.Notifications.Email.Recipients = []string{"ops@example.com"}
			},
			wantErr: "smtp_host",
		},
		{
			name: "webhook enabled without url",
			mutate: func(c *Config) {
				c.Notifications.Webhook.Enabled = true
			},
			wantErr: "url",
		},
		{
			name: "sms enabled without recipients",
			mutate: func(c *Config) {
				c.Notifications.SMS.Enabled = true
				c.Notifications.SMS.GatewayURL = "https://sms.example.com"
			},
			wantErr: "recipient",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
