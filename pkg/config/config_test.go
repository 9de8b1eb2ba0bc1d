package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := writeConfig(t, `{
	  "dispatch": {"max_message_workers": 8, "handler_mode": "async", "stop_grace_seconds": 2},
	  "store": {"path": "/tmp/threadlane-test.db"},
	  "channels": {"telegram": {"enabled": true, "allow_from": ["1", "2"]}},
	  "gateway": {"host": "0.0.0.0", "port": 18790},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`)
	t.Setenv("THREADLANE_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.Logging.AddSource {
		t.Fatal("logging.add_source = false, want true")
	}
	if cfg.Dispatch.MaxMessageWorkers != 8 || cfg.Dispatch.HandlerMode != "async" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.StopGrace() != 2*time.Second {
		t.Fatalf("StopGrace() = %v, want 2s", cfg.Dispatch.StopGrace())
	}
	if cfg.Dispatch.MaxOutgoingWorkers != 4 {
		t.Fatalf("max_outgoing_workers default = %d, want 4", cfg.Dispatch.MaxOutgoingWorkers)
	}
	if !cfg.Store.Enabled || cfg.Store.Path != "/tmp/threadlane-test.db" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if !slices.Equal(cfg.Channels.Telegram.AllowFrom, []string{"1", "2"}) {
		t.Fatalf("allow_from = %v", cfg.Channels.Telegram.AllowFrom)
	}
	if cfg.Gateway.Addr() != "0.0.0.0:18790" {
		t.Fatalf("gateway addr = %q", cfg.Gateway.Addr())
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv("THREADLANE_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("THREADLANE_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Responder.Kind != "echo" {
		t.Fatalf("responder.kind = %q, want echo", cfg.Responder.Kind)
	}
	if cfg.Channels.WebSocket.Path != "/ws" || !cfg.Channels.WebSocket.Enabled {
		t.Fatalf("websocket = %+v", cfg.Channels.WebSocket)
	}
	if cfg.Store.ConversationIDAttempts != 16 {
		t.Fatalf("conversation_id_attempts = %d, want 16", cfg.Store.ConversationIDAttempts)
	}
}

func TestLoadConfigPrefixedEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"gateway": {"port": 1000}}`)
	t.Setenv("THREADLANE_CONFIG", path)
	t.Setenv("THREADLANE_GATEWAY_PORT", "2000")
	t.Setenv("THREADLANE_RESPONDER_KIND", "openai")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Gateway.Port != 2000 {
		t.Fatalf("gateway.port = %d, want 2000", cfg.Gateway.Port)
	}
	if cfg.Responder.Kind != "openai" {
		t.Fatalf("responder.kind = %q, want openai", cfg.Responder.Kind)
	}
}

func TestTelegramEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", " token-1 ")
	t.Setenv("TELEGRAM_ALLOW_FROM", " 1, ,2 ,3")

	cfg := &Config{}
	applyEnvOverrides(cfg)

	if cfg.Channels.Telegram.Token != "token-1" {
		t.Fatalf("token = %q, want token-1", cfg.Channels.Telegram.Token)
	}
	if !slices.Equal(cfg.Channels.Telegram.AllowFrom, []string{"1", "2", "3"}) {
		t.Fatalf("allow_from = %v", cfg.Channels.Telegram.AllowFrom)
	}
}
