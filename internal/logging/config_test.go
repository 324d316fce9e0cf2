package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/consensusd/internal/config"
)

func TestNewDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "consensusd", cfg.Fields["service"])
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "warn", Format: "console"}, true)
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.OTEL)
	assert.True(t, cfg.Sampling.Enabled)

	cfg, err = FromSettings(config.LoggingConfig{Level: "debug"}, false)
	require.NoError(t, err)
	assert.False(t, cfg.Sampling.Enabled, "debug logging is not sampled")

	_, err = FromSettings(config.LoggingConfig{Level: "loud"}, false)
	assert.Error(t, err)

	_, err = FromSettings(config.LoggingConfig{Format: "xml"}, false)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "logfmt" }},
		{"no outputs", func(c *Config) { c.Stdout = false; c.OTEL = false }},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"(unclosed"} }},
		{"long pattern", func(c *Config) { c.Redaction.Patterns = []string{string(make([]byte, maxPatternLen+1))} }},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"service": ""} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
