package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agentbridged.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":8080"
  bogus_field: true
llm:
  default_provider: anthropic
  default_model: claude-opus-4
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: anthropic
  default_model: claude-opus-4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Pairing.MaxPerHourPerUser != 3 {
		t.Errorf("MaxPerHourPerUser = %d, want 3", cfg.Pairing.MaxPerHourPerUser)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123")
	path := writeConfig(t, `
llm:
  default_provider: anthropic
  default_model: claude-opus-4
  anthropic_api_key: ${TEST_ANTHROPIC_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.AnthropicAPIKey != "sk-test-123" {
		t.Errorf("AnthropicAPIKey = %q, want sk-test-123", cfg.LLM.AnthropicAPIKey)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(basePath, []byte("logging:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	mainPath := filepath.Join(dir, "agentbridged.yaml")
	main := "$include: base.yaml\nllm:\n  default_provider: anthropic\n  default_model: claude-opus-4\n"
	if err := os.WriteFile(mainPath, []byte(main), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected the included file's logging.level to merge in, got %q", cfg.Logging.Level)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.yaml")
	bPath := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(aPath, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(bPath, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatalf("write b: %v", err)
	}

	if _, err := Load(aPath); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected a cycle-detection error, got %v", err)
	}
}

func TestValidate_RequiresDefaultProviderAndModel(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a missing default provider/model")
	}
}

func TestValidate_TelegramRequiresBotToken(t *testing.T) {
	cfg := &Config{
		LLM:      LLMConfig{DefaultProvider: "anthropic", DefaultModel: "claude-opus-4"},
		Telegram: TelegramConfig{Enabled: true},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "bot_token") {
		t.Fatalf("expected a bot_token error, got %v", err)
	}
}

func TestUsePostgres(t *testing.T) {
	cfg := &Config{}
	if cfg.UsePostgres() {
		t.Fatal("expected UsePostgres() to be false for an empty DSN")
	}
	cfg.Database.DSN = "postgres://localhost/agentbridge"
	if !cfg.UsePostgres() {
		t.Fatal("expected UsePostgres() to be true once a DSN is set")
	}
}
