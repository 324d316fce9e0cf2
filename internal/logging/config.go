package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/consensusd/internal/config"
)

// maxPatternLen bounds redaction patterns to keep matching cheap.
const maxPatternLen = 200

// Config holds logging configuration.
type Config struct {
	Level     zapcore.Level
	Format    string
	Stdout    bool
	// Output replaces os.Stdout as the destination of the stdout core.
	Output    zapcore.WriteSyncer
	OTEL      bool
	Caller    bool
	Sampling  SamplingConfig
	Fields    map[string]string
	Redaction RedactionConfig
}

// SamplingConfig limits repeated entries below Error level. Within each
// Tick the first Initial entries with the same message are logged, then
// every Thereafter-th.
type SamplingConfig struct {
	Enabled    bool
	Tick       config.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig lists field names and value patterns that are never
// written.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

// NewDefaultConfig returns JSON logging to stdout at Info.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Stdout: true,
		Caller: true,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Fields: map[string]string{"service": "consensusd"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key",
				"authorization", "bearer", "credential", "private_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				`sk-or-[A-Za-z0-9-]{8,}`,
			},
		},
	}
}

// FromSettings builds a Config from the logging section of the service
// configuration. OTEL output is enabled together with telemetry.
func FromSettings(s config.LoggingConfig, otel bool) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := zapcore.ParseLevel(s.Level)
		if err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.OTEL = otel
	if cfg.Level <= zapcore.DebugLevel {
		cfg.Sampling.Enabled = false
	}
	return cfg, cfg.Validate()
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		if _, err := compilePatterns(c.Redaction.Patterns); err != nil {
			return err
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
