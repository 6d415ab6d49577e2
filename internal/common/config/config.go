// Package config provides configuration management for Threadline.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Threadline.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"` // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// DatabaseConfig holds the thread/message store configuration.
// Driver "memory" keeps everything in-process; "sqlite" persists to Path.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means cross-instance stream cancellation uses the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LLMConfig holds the streaming completion provider configuration.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"` // openai or any OpenAI-compatible endpoint
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"apiKey"`
	BaseURL     string  `mapstructure:"baseUrl"`
	MaxTokens   int     `mapstructure:"maxTokens"`
	Temperature float32 `mapstructure:"temperature"`
	Timeout     int     `mapstructure:"timeout"` // total budget per invocation, seconds
}

// EmbeddingConfig holds the embeddings provider configuration.
type EmbeddingConfig struct {
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"apiKey"`
	BaseURL    string `mapstructure:"baseUrl"`
	Dimensions int    `mapstructure:"dimensions"`
}

// RetrievalConfig holds the vector retrieval configuration.
// Driver "memory" uses the in-process keyword index; "pgvector" uses Postgres.
type RetrievalConfig struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	TopK    int    `mapstructure:"topK"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// ChatConfig holds streaming pipeline tuning knobs.
type ChatConfig struct {
	HistoryMaxMessages int `mapstructure:"historyMaxMessages"`
	HistoryTokenBudget int `mapstructure:"historyTokenBudget"`
	FlushEveryN        int `mapstructure:"flushEveryN"`  // partial persist every N data events
	FlushEveryMs       int `mapstructure:"flushEveryMs"` // and at least every T milliseconds
	ThreadPageCap      int `mapstructure:"threadPageCap"`
	MessagePageCap     int `mapstructure:"messagePageCap"`
	ReplayTTLMinutes   int `mapstructure:"replayTtlMinutes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// FlushInterval returns the partial-persist interval as a time.Duration.
func (c *ChatConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushEveryMs) * time.Millisecond
}

// ReplayTTL returns the replay buffer TTL as a time.Duration.
func (c *ChatConfig) ReplayTTL() time.Duration {
	return time.Duration(c.ReplayTTLMinutes) * time.Minute
}

// detectDefaultLogFormat returns "json" in Kubernetes or production
// environments and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("THREADLINE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	// Streaming responses stay open well past a normal request
	v.SetDefault("server.writeTimeout", 300)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.threadline/threadline.db")

	// NATS defaults - empty URL means use in-memory bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "threadline")
	v.SetDefault("nats.maxReconnects", 10)

	// LLM defaults
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.maxTokens", 2048)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeout", 120)

	// Embedding defaults
	v.SetDefault("embedding.model", "text-embedding-3-large")
	v.SetDefault("embedding.apiKey", "")
	v.SetDefault("embedding.baseUrl", "")
	v.SetDefault("embedding.dimensions", 3072)

	// Retrieval defaults
	v.SetDefault("retrieval.driver", "memory")
	v.SetDefault("retrieval.dsn", "")
	v.SetDefault("retrieval.topK", 10)
	v.SetDefault("retrieval.timeout", 10)

	// Chat pipeline defaults
	v.SetDefault("chat.historyMaxMessages", 30)
	v.SetDefault("chat.historyTokenBudget", 8000)
	v.SetDefault("chat.flushEveryN", 8)
	v.SetDefault("chat.flushEveryMs", 500)
	v.SetDefault("chat.threadPageCap", 50)
	v.SetDefault("chat.messagePageCap", 100)
	v.SetDefault("chat.replayTtlMinutes", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix THREADLINE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/threadline/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("THREADLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("llm.apiKey", "OPENAI_API_KEY", "THREADLINE_LLM_API_KEY")
	_ = v.BindEnv("llm.baseUrl", "THREADLINE_LLM_BASE_URL")
	_ = v.BindEnv("embedding.apiKey", "OPENAI_API_KEY", "THREADLINE_EMBEDDING_API_KEY")
	_ = v.BindEnv("retrieval.dsn", "THREADLINE_RETRIEVAL_DSN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/threadline/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "memory":
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite")
	}

	switch cfg.Retrieval.Driver {
	case "memory":
	case "pgvector":
		if cfg.Retrieval.DSN == "" {
			errs = append(errs, "retrieval.dsn is required for the pgvector driver")
		}
	default:
		errs = append(errs, "retrieval.driver must be one of: memory, pgvector")
	}
	if cfg.Retrieval.TopK <= 0 {
		errs = append(errs, "retrieval.topK must be positive")
	}

	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 1 {
		errs = append(errs, "llm.temperature must be within [0, 1]")
	}
	if cfg.LLM.MaxTokens <= 0 || cfg.LLM.MaxTokens > 8192 {
		errs = append(errs, "llm.maxTokens must be within [1, 8192]")
	}

	if cfg.Chat.HistoryMaxMessages <= 0 {
		errs = append(errs, "chat.historyMaxMessages must be positive")
	}
	if cfg.Chat.HistoryTokenBudget <= 0 {
		errs = append(errs, "chat.historyTokenBudget must be positive")
	}
	if cfg.Chat.FlushEveryN <= 0 || cfg.Chat.FlushEveryMs <= 0 {
		errs = append(errs, "chat.flushEveryN and chat.flushEveryMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
