// Package config loads consensusd configuration from a YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the complete consensusd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Provider     ProviderConfig     `koanf:"provider"`
	Pipeline     PipelineConfig     `koanf:"pipeline"`
	Intelligence IntelligenceConfig `koanf:"intelligence"`
	Parallel     ParallelConfig     `koanf:"parallel"`
	History      HistoryConfig      `koanf:"history"`
	Knowledge    KnowledgeConfig    `koanf:"knowledge"`
	Secrets      SecretsConfig      `koanf:"secrets"`
	Pool         PoolConfig         `koanf:"pool"`
	Events       EventsConfig       `koanf:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// ProviderConfig configures the OpenRouter model client.
type ProviderConfig struct {
	BaseURL    string   `koanf:"base_url"`
	APIKey     Secret   `koanf:"api_key"`
	Timeout    Duration `koanf:"timeout"`
	RateLimit  float64  `koanf:"rate_limit"`
	Burst      int      `koanf:"burst"`
	MaxRetries int      `koanf:"max_retries"`
	MaxTokens  int      `koanf:"max_tokens"`
	Referer    string   `koanf:"referer"`
	Title      string   `koanf:"title"`
}

// PipelineConfig configures consensus runs.
type PipelineConfig struct {
	DefaultProfile string   `koanf:"default_profile"`
	ProfilesFile   string   `koanf:"profiles_file"`
	StageTimeout   Duration `koanf:"stage_timeout"`
	Stream         bool     `koanf:"stream"`
}

// IntelligenceConfig configures operation decisions.
type IntelligenceConfig struct {
	DefaultMode     string             `koanf:"default_mode"`
	CriticalPaths   []string           `koanf:"critical_paths"`
	Weights         map[string]float64 `koanf:"weights"`
	ProducerTimeout Duration           `koanf:"producer_timeout"`
	CacheSize       int                `koanf:"cache_size"`
	CacheTTL        Duration           `koanf:"cache_ttl"`
}

// ParallelConfig bounds concurrent analysis tasks.
type ParallelConfig struct {
	MaxConcurrentTasks int      `koanf:"max_concurrent_tasks"`
	TaskTimeout        Duration `koanf:"task_timeout"`
}

// HistoryConfig selects and configures the operation history store.
type HistoryConfig struct {
	Backend      string   `koanf:"backend"`
	Path         string   `koanf:"path"`
	StatsTTL     Duration `koanf:"stats_ttl"`
	SimilarLimit int      `koanf:"similar_limit"`
}

// History backends.
const (
	HistorySQLite = "sqlite"
	HistoryMemory = "memory"
)

// KnowledgeConfig configures the knowledge index.
type KnowledgeConfig struct {
	Collection  string `koanf:"collection"`
	PersistPath string `koanf:"persist_path"`
	Compress    bool   `koanf:"compress"`
	Dimensions  int    `koanf:"dimensions"`
}

// SecretsConfig configures secret detection in proposed file content.
type SecretsConfig struct {
	AllowlistPath string `koanf:"allowlist_path"`
}

// PoolConfig sizes the object pools. Initial objects are allocated at
// startup; at most Max idle objects are retained.
type PoolConfig struct {
	TokensInitial  int `koanf:"tokens_initial"`
	TokensMax      int `koanf:"tokens_max"`
	BuffersInitial int `koanf:"buffers_initial"`
	BuffersMax     int `koanf:"buffers_max"`
	StringsInitial int `koanf:"strings_initial"`
	StringsMax     int `koanf:"strings_max"`
}

// EventsConfig configures NATS event publishing. Publishing is disabled
// when URL is empty.
type EventsConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	PublishChunks bool   `koanf:"publish_chunks"`
}

// Enabled reports whether events are published.
func (e EventsConfig) Enabled() bool {
	return e.URL != ""
}

// Default returns the configuration used for every field a file or the
// environment does not set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "consensusd",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Provider: ProviderConfig{
			BaseURL:    "https://openrouter.ai/api/v1",
			Timeout:    Duration(2 * time.Minute),
			RateLimit:  1.0,
			Burst:      5,
			MaxRetries: 3,
			MaxTokens:  4096,
			Title:      "consensusd",
		},
		Pipeline: PipelineConfig{
			DefaultProfile: "balanced",
			StageTimeout:   Duration(3 * time.Minute),
		},
		Intelligence: IntelligenceConfig{
			DefaultMode:     string(operation.ModeConservative),
			ProducerTimeout: Duration(10 * time.Second),
			CacheSize:       256,
			CacheTTL:        Duration(10 * time.Minute),
		},
		Parallel: ParallelConfig{
			MaxConcurrentTasks: 4,
			TaskTimeout:        Duration(5 * time.Second),
		},
		History: HistoryConfig{
			Backend:      HistorySQLite,
			Path:         "~/.config/consensusd/history.db",
			StatsTTL:     Duration(5 * time.Minute),
			SimilarLimit: 10,
		},
		Knowledge: KnowledgeConfig{
			Collection: "consensus_knowledge",
			Dimensions: 256,
		},
		Pool: PoolConfig{
			TokensInitial:  64,
			TokensMax:      1024,
			BuffersInitial: 8,
			BuffersMax:     64,
			StringsInitial: 8,
			StringsMax:     64,
		},
		Events: EventsConfig{
			SubjectPrefix: "consensus",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.http_port %d out of range 1-65535", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		add("server.shutdown_timeout must be positive")
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		add("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate must be between 0 and 1, got %v", c.Telemetry.SampleRate)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		add("telemetry.endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
		add("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol)
	}

	if c.Provider.RateLimit < 0 {
		add("provider.rate_limit must not be negative")
	}
	if c.Provider.MaxRetries < 0 {
		add("provider.max_retries must not be negative")
	}

	if _, err := operation.ParseMode(c.Intelligence.DefaultMode); err != nil {
		add("intelligence.default_mode: %v", err)
	}
	for name, w := range c.Intelligence.Weights {
		if w < 0 {
			add("intelligence.weights.%s must not be negative", name)
		}
	}

	if c.Parallel.MaxConcurrentTasks < 1 {
		add("parallel.max_concurrent_tasks must be at least 1")
	}
	if c.Parallel.TaskTimeout.Duration() <= 0 {
		add("parallel.task_timeout must be positive")
	}

	switch c.History.Backend {
	case HistorySQLite:
		if strings.TrimSpace(c.History.Path) == "" {
			add("history.path is required for the sqlite backend")
		}
	case HistoryMemory:
	default:
		add("history.backend must be %s or %s, got %q", HistorySQLite, HistoryMemory, c.History.Backend)
	}

	if c.Pool.TokensInitial > c.Pool.TokensMax ||
		c.Pool.BuffersInitial > c.Pool.BuffersMax ||
		c.Pool.StringsInitial > c.Pool.StringsMax {
		add("pool initial sizes must not exceed their max")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
