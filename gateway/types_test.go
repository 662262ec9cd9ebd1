package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr-carleone/server-for-nats/errors"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{"defaults", func(*Config) {}, false},
		{"wildcard origin", func(c *Config) { c.AllowedOrigins = []string{"*"} }, false},
		{"no origins", func(c *Config) { c.AllowedOrigins = nil }, false},
		{"empty stream", func(c *Config) { c.Stream = "" }, true},
		{"empty subject", func(c *Config) { c.Subject = "" }, true},
		{"negative body size", func(c *Config) { c.MaxRequestBytes = -1 }, true},
		{"body size over cap", func(c *Config) { c.MaxRequestBytes = 200 * 1024 * 1024 }, true},
		{"negative rate", func(c *Config) { c.SendRateLimit = -1 }, true},
		{"negative timeout", func(c *Config) { c.WriteTimeout = -time.Second }, true},
		{"origin without scheme", func(c *Config) { c.AllowedOrigins = []string{"localhost:5173"} }, true},
		{"origin with path", func(c *Config) { c.AllowedOrigins = []string{"http://localhost:5173/app"} }, true},
		{"ftp origin", func(c *Config) { c.AllowedOrigins = []string{"ftp://example.com"} }, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(&cfg)

			err := cfg.Validate()
			if test.expectError {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfig_ValidateFillsDefaults(t *testing.T) {
	cfg := Config{
		Stream:        "S",
		Subject:       "s",
		SendRateLimit: 10,
	}
	require.NoError(t, cfg.Validate())

	defaults := DefaultConfig()
	assert.Equal(t, defaults.MaxRequestBytes, cfg.MaxRequestBytes)
	assert.Equal(t, defaults.ReadLimit, cfg.ReadLimit)
	assert.Equal(t, defaults.RequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, defaults.WriteTimeout, cfg.WriteTimeout)
	assert.Equal(t, 1, cfg.SendBurst)
	assert.Zero(t, cfg.PingInterval)
}
