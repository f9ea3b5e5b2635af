package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is agentbridged's top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Pairing  PairingConfig  `yaml:"pairing"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig bounds the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and bounds the storage backend. An empty DSN
// selects the in-memory store, suitable for development and tests.
type DatabaseConfig struct {
	DSN            string        `yaml:"dsn"`
	MaxConns       int32         `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LLMConfig supplies provider credentials and the default provider/model
// pair new conversations start with.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	DefaultModel    string                       `yaml:"default_model"`
	OpenAIAPIKey    string                       `yaml:"openai_api_key"`
	AnthropicAPIKey string                       `yaml:"anthropic_api_key"`
	GeminiAPIKey    string                       `yaml:"gemini_api_key"`
	CerebrasAPIKey  string                       `yaml:"cerebras_api_key"`
	CustomEndpoints map[string]CustomEndpointCfg `yaml:"custom_endpoints"`
}

// CustomEndpointCfg registers an OpenAI-compatible endpoint under a
// caller-chosen provider id (Azure, OpenRouter, a self-hosted proxy, etc).
type CustomEndpointCfg struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
}

// PairingConfig bounds pairing-code issuance (spec.md §4.10).
type PairingConfig struct {
	MaxPerHourPerUser int `yaml:"max_per_hour_per_user"`
}

// WebhookConfig bounds the webhook registry/dispatcher/poller (spec.md
// §4.8-§4.9).
type WebhookConfig struct {
	// TunnelURLEnv names the environment variable holding the current
	// tunnel base URL (e.g. an ngrok URL), re-read on every lookup so a
	// tunnel restart takes effect without a config reload.
	TunnelURLEnv string `yaml:"tunnel_url_env"`

	// RemoteURLPattern is the webhook URL used when no tunnel is
	// configured: a fmt.Sprintf pattern whose single %s receives the
	// workflow id.
	RemoteURLPattern string `yaml:"remote_url_pattern"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// TelegramConfig bounds the Telegram wire adapter.
type TelegramConfig struct {
	Enabled           bool   `yaml:"enabled"`
	BotToken          string `yaml:"bot_token"`
	WebhookSecretToken string `yaml:"webhook_secret_token"`
}

// LoggingConfig bounds structured-log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.ConnectTimeout <= 0 {
		c.Database.ConnectTimeout = 5 * time.Second
	}
	if c.Pairing.MaxPerHourPerUser <= 0 {
		c.Pairing.MaxPerHourPerUser = 3
	}
	if c.Webhook.PollInterval <= 0 {
		c.Webhook.PollInterval = 10 * time.Second
	}
	if c.Webhook.DispatchTimeout <= 0 {
		c.Webhook.DispatchTimeout = 25 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate reports a descriptive error for configuration that would fail
// at startup rather than surfacing an opaque nil-pointer panic later.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.DefaultProvider) == "" {
		return fmt.Errorf("config: llm.default_provider is required")
	}
	if strings.TrimSpace(c.LLM.DefaultModel) == "" {
		return fmt.Errorf("config: llm.default_model is required")
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.BotToken) == "" {
		return fmt.Errorf("config: telegram.bot_token is required when telegram.enabled is true")
	}
	return nil
}

// UsePostgres reports whether Database.DSN selects the PostgreSQL-backed
// storage implementation rather than the in-memory one.
func (c *Config) UsePostgres() bool {
	return strings.TrimSpace(c.Database.DSN) != ""
}
