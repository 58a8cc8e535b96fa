package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, DriverSQLite, cfg.LedgerDriver)
	assert.Equal(t, DriverMemory, cfg.TelemetryDriver)
	assert.Equal(t, 5*time.Minute, cfg.SessionIdleTimeout())
	assert.Equal(t, 30*time.Second, cfg.SessionSweepInterval())
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TOKEN_SECRET_KEY", "secret")
	t.Setenv("LEDGER_DRIVER", "mysql")
	t.Setenv("SESSION_IDLE_TIMEOUT_SECONDS", "12")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMySQL, cfg.LedgerDriver)
	assert.Equal(t, 12*time.Second, cfg.SessionIdleTimeout())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET_KEY", "")

	_, err := Load()
	assert.ErrorContains(t, err, "TOKEN_SECRET_KEY")
}

func TestLoad_RejectsAsymmetricAlgorithm(t *testing.T) {
	t.Setenv("TOKEN_SECRET_KEY", "secret")
	t.Setenv("TOKEN_ALGORITHM", "RS256")

	_, err := Load()
	assert.ErrorContains(t, err, "TOKEN_ALGORITHM")
}

func TestValidate(t *testing.T) {
	valid := Config{
		TokenSecret:                 "s",
		TokenAlgorithm:              "HS256",
		LedgerDriver:                DriverMemory,
		TelemetryDriver:             DriverMemory,
		SessionIdleTimeoutSeconds:   1,
		SessionSweepIntervalSeconds: 1,
		StoreTimeoutMS:              1,
		OutboxSize:                  1,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"asymmetric algorithm", func(c *Config) { c.TokenAlgorithm = "RS256" }},
		{"empty algorithm", func(c *Config) { c.TokenAlgorithm = "" }},
		{"unknown ledger", func(c *Config) { c.LedgerDriver = "postgres" }},
		{"unknown telemetry", func(c *Config) { c.TelemetryDriver = "sqlite" }},
		{"zero idle timeout", func(c *Config) { c.SessionIdleTimeoutSeconds = 0 }},
		{"negative sweep", func(c *Config) { c.SessionSweepIntervalSeconds = -1 }},
		{"zero store timeout", func(c *Config) { c.StoreTimeoutMS = 0 }},
		{"zero outbox", func(c *Config) { c.OutboxSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
