package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
api:
  api_key: test-key
  model: claude-sonnet-4-20250514
keep_alive:
  enabled: true
  interval_minutes: 3
tools:
  enabled: true
  pair_timeout_minutes: 10
store:
  database: ":memory:"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.APIKey != "test-key" {
		t.Errorf("APIKey = %q", cfg.API.APIKey)
	}
	if cfg.KeepAliveInterval() != 3*time.Minute {
		t.Errorf("KeepAliveInterval = %v, want 3m", cfg.KeepAliveInterval())
	}
	if cfg.PairTimeout() != 10*time.Minute {
		t.Errorf("PairTimeout = %v, want 10m", cfg.PairTimeout())
	}
	// Defaults survive partial files.
	if cfg.API.BaseURL != "https://api.anthropic.com" {
		t.Errorf("BaseURL default lost: %q", cfg.API.BaseURL)
	}
}

func TestLoad_JSON5(t *testing.T) {
	path := writeTemp(t, "config.json5", `{
  // comments are allowed
  api: { api_key: "k", model: "m" },
  store: { database: "chat.db" },
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Model != "m" || cfg.Store.Database != "chat.db" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_KEY", "from-env")
	path := writeTemp(t, "config.yaml", `
api:
  api_key: ${PARLEY_TEST_KEY}
  model: m
store:
  database: ":memory:"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want from-env", cfg.API.APIKey)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api key", func(c *Config) { c.API.APIKey = "" }},
		{"missing model", func(c *Config) { c.API.Model = "" }},
		{"zero keepalive interval", func(c *Config) { c.KeepAlive.IntervalMinutes = 0 }},
		{"zero pair timeout", func(c *Config) { c.Tools.PairTimeoutMinutes = 0 }},
		{"negative history", func(c *Config) { c.History.MaxCount = -1 }},
		{"missing database", func(c *Config) { c.Store.Database = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.API.APIKey = "k"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
