// Package config provides configuration management for swarmbus.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for swarmbus.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Inbox     InboxConfig     `mapstructure:"inbox"`
	WorkQueue WorkQueueConfig `mapstructure:"workqueue"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BrokerConfig holds the NATS connection configuration.
// Credentials embedded in the URL take precedence over User/Pass.
type BrokerConfig struct {
	URL           string `mapstructure:"url"`
	User          string `mapstructure:"user"`
	Pass          string `mapstructure:"pass"`
	ClientName    string `mapstructure:"clientName"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// IdentityConfig holds agent identity derivation overrides.
type IdentityConfig struct {
	ProjectPathOverride string `mapstructure:"projectPathOverride"`
	ProjectIDOverride   string `mapstructure:"projectIdOverride"`
	AgentIDOverride     string `mapstructure:"agentIdOverride"`
	SubagentType        string `mapstructure:"subagentType"`
}

// ChannelsConfig holds channel defaults and the optional declarative
// per-channel retention file (see channels.go).
type ChannelsConfig struct {
	ConfigPath         string `mapstructure:"configPath"`
	DefaultMaxMessages int64  `mapstructure:"defaultMaxMessages"`
	DefaultMaxAgeMs    int64  `mapstructure:"defaultMaxAgeMs"`
}

// InboxConfig holds per-agent inbox stream retention.
type InboxConfig struct {
	MaxMessages int64 `mapstructure:"maxMessages"`
	MaxAgeMs    int64 `mapstructure:"maxAgeMs"`
}

// WorkQueueConfig holds work queue delivery and dead-letter configuration.
type WorkQueueConfig struct {
	AckTimeoutMs int64 `mapstructure:"ackTimeoutMs"`
	MaxAttempts  int   `mapstructure:"maxAttempts"`
	DLQTTLMs     int64 `mapstructure:"dlqTtlMs"`
}

// ServerConfig holds the optional HTTP transport for the tool surface
// (SSE and streamable HTTP alongside the primary stdio transport).
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AckTimeout returns the work queue ack wait as a time.Duration.
func (w *WorkQueueConfig) AckTimeout() time.Duration {
	return time.Duration(w.AckTimeoutMs) * time.Millisecond
}

// DLQTTL returns the dead-letter retention as a time.Duration.
func (w *WorkQueueConfig) DLQTTL() time.Duration {
	return time.Duration(w.DLQTTLMs) * time.Millisecond
}

// DefaultMaxAge returns the default channel retention as a time.Duration.
func (c *ChannelsConfig) DefaultMaxAge() time.Duration {
	return time.Duration(c.DefaultMaxAgeMs) * time.Millisecond
}

// MaxAge returns the inbox retention as a time.Duration.
func (i *InboxConfig) MaxAge() time.Duration {
	return time.Duration(i.MaxAgeMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SWARMBUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Broker defaults
	v.SetDefault("broker.url", "nats://localhost:4222")
	v.SetDefault("broker.user", "")
	v.SetDefault("broker.pass", "")
	v.SetDefault("broker.clientName", "swarmbus")
	v.SetDefault("broker.maxReconnects", 10)

	// Identity defaults - empty means derive from host + project path
	v.SetDefault("identity.projectPathOverride", "")
	v.SetDefault("identity.projectIdOverride", "")
	v.SetDefault("identity.agentIdOverride", "")
	v.SetDefault("identity.subagentType", "")

	// Channel defaults: 10k messages / 14 days per channel
	v.SetDefault("channels.configPath", "")
	v.SetDefault("channels.defaultMaxMessages", 10_000)
	v.SetDefault("channels.defaultMaxAgeMs", (14 * 24 * time.Hour).Milliseconds())

	// Inbox defaults: 1k messages / 7 days per agent
	v.SetDefault("inbox.maxMessages", 1_000)
	v.SetDefault("inbox.maxAgeMs", (7 * 24 * time.Hour).Milliseconds())

	// Work queue defaults: 5 min ack wait, 3 attempts, 7 day DLQ retention
	v.SetDefault("workqueue.ackTimeoutMs", (5 * time.Minute).Milliseconds())
	v.SetDefault("workqueue.maxAttempts", 3)
	v.SetDefault("workqueue.dlqTtlMs", (7 * 24 * time.Hour).Milliseconds())

	// Server defaults - stdio is the primary transport, HTTP is opt-in
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 9310)

	// Logging defaults - stderr keeps stdout clean for the stdio transport
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SWARMBUS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/swarmbus/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SWARMBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs.
	_ = v.BindEnv("broker.url", "SWARMBUS_BROKER_URL")
	_ = v.BindEnv("broker.user", "SWARMBUS_BROKER_USER")
	_ = v.BindEnv("broker.pass", "SWARMBUS_BROKER_PASS")
	_ = v.BindEnv("identity.projectPathOverride", "SWARMBUS_PROJECT_PATH_OVERRIDE")
	_ = v.BindEnv("identity.projectIdOverride", "SWARMBUS_PROJECT_ID_OVERRIDE")
	_ = v.BindEnv("identity.agentIdOverride", "SWARMBUS_AGENT_ID_OVERRIDE")
	_ = v.BindEnv("identity.subagentType", "SWARMBUS_SUBAGENT_TYPE")
	_ = v.BindEnv("logging.level", "SWARMBUS_LOG_LEVEL")
	_ = v.BindEnv("workqueue.ackTimeoutMs", "SWARMBUS_WORKQUEUE_ACK_TIMEOUT_MS")
	_ = v.BindEnv("workqueue.maxAttempts", "SWARMBUS_WORKQUEUE_MAX_ATTEMPTS")
	_ = v.BindEnv("workqueue.dlqTtlMs", "SWARMBUS_WORKQUEUE_DLQ_TTL_MS")
	_ = v.BindEnv("channels.configPath", "SWARMBUS_CHANNELS_CONFIG_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/swarmbus/")

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

// validBrokerSchemes are the URL schemes the broker adapter accepts.
// nats/tls connect over TCP; ws/wss connect over WebSocket.
var validBrokerSchemes = map[string]bool{
	"nats": true,
	"tls":  true,
	"ws":   true,
	"wss":  true,
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Broker.URL == "" {
		errs = append(errs, "broker.url is required")
	} else if u, err := url.Parse(cfg.Broker.URL); err != nil {
		errs = append(errs, fmt.Sprintf("broker.url is not a valid URL: %v", err))
	} else if !validBrokerSchemes[u.Scheme] {
		errs = append(errs, "broker.url scheme must be one of: nats, tls, ws, wss")
	}

	if cfg.WorkQueue.AckTimeoutMs <= 0 {
		errs = append(errs, "workqueue.ackTimeoutMs must be positive")
	}
	if cfg.WorkQueue.MaxAttempts <= 0 {
		errs = append(errs, "workqueue.maxAttempts must be positive")
	}
	if cfg.WorkQueue.DLQTTLMs <= 0 {
		errs = append(errs, "workqueue.dlqTtlMs must be positive")
	}

	if cfg.Server.Enabled {
		if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
