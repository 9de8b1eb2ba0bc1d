package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envConfigPath        = "THREADLANE_CONFIG"
	envPrefix            = "THREADLANE"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
)

// Config is the root runtime configuration.
type Config struct {
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Store     StoreConfig     `mapstructure:"store"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Responder ResponderConfig `mapstructure:"responder"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `mapstructure:"format"`
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

// DispatchConfig sizes the dispatch core.
type DispatchConfig struct {
	MaxMessageWorkers  int    `mapstructure:"max_message_workers"`
	MaxOutgoingWorkers int    `mapstructure:"max_outgoing_workers"`
	HandlerMode        string `mapstructure:"handler_mode"`
	MaxPendingCommands int    `mapstructure:"max_pending_commands"`
	StopGraceSeconds   int    `mapstructure:"stop_grace_seconds"`
}

// StopGrace returns the shutdown grace period.
func (c DispatchConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// StoreConfig configures conversation persistence.
type StoreConfig struct {
	Enabled                bool   `mapstructure:"enabled"`
	Path                   string `mapstructure:"path"`
	ConversationIDAttempts int    `mapstructure:"conversation_id_attempts"`
}

// ChannelsConfig stores presentation adapter settings.
type ChannelsConfig struct {
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

// WebSocketConfig configures the WebSocket channel served by the gateway.
type WebSocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Token     string   `mapstructure:"token"`
	AllowFrom []string `mapstructure:"allow_from"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port for net.Listen.
func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ResponderConfig selects the demo conversation handler.
type ResponderConfig struct {
	Kind         string       `mapstructure:"kind"`
	Model        string       `mapstructure:"model"`
	Instructions string       `mapstructure:"instructions"`
	OpenAI       OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig configures the OpenAI client used by the openai responder.
type OpenAIConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	APIKeyEnv             string `mapstructure:"api_key_env"`
	Organization          string `mapstructure:"organization"`
	Project               string `mapstructure:"project"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dispatch.max_message_workers", 4)
	v.SetDefault("dispatch.max_outgoing_workers", 4)
	v.SetDefault("dispatch.handler_mode", "auto")
	v.SetDefault("dispatch.max_pending_commands", 0)
	v.SetDefault("dispatch.stop_grace_seconds", 5)

	v.SetDefault("store.enabled", true)
	v.SetDefault("store.path", filepath.Join(".", "data", "threadlane.db"))
	v.SetDefault("store.conversation_id_attempts", 16)

	v.SetDefault("channels.websocket.enabled", true)
	v.SetDefault("channels.websocket.path", "/ws")
	v.SetDefault("channels.telegram.enabled", false)
	v.SetDefault("channels.telegram.token", "")
	v.SetDefault("channels.telegram.allow_from", []string{})

	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 18790)

	v.SetDefault("responder.kind", "echo")
	v.SetDefault("responder.model", "gpt-5-mini")
	v.SetDefault("responder.instructions", "")
	v.SetDefault("responder.openai.base_url", "")
	v.SetDefault("responder.openai.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("responder.openai.organization", "")
	v.SetDefault("responder.openai.project", "")
	v.SetDefault("responder.openai.request_timeout_seconds", 60)

	v.SetDefault("logging.format", "")
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.add_source", false)
}

// LoadConfig resolves config.json, layers defaults and THREADLANE_* env vars around it, and
// applies the Telegram env overrides. A missing config file is not an error unless
// THREADLANE_CONFIG names one.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("json")

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is THREADLANE_CONFIG first, then cwd-local fallback paths. An empty path
// means no file was found.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
