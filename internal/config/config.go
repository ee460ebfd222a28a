// Package config loads and validates orchestrator configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration for the orchestrator and its
// collaborators. Components receive the sections they need by value; nothing
// reads ambient configuration at runtime.
type Config struct {
	API       APIConfig       `yaml:"api" json:"api"`
	KeepAlive KeepAliveConfig `yaml:"keep_alive" json:"keep_alive"`
	Tools     ToolsConfig     `yaml:"tools" json:"tools"`
	History   HistoryConfig   `yaml:"history" json:"history"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// APIConfig holds credentials and request parameters for the model API.
type APIConfig struct {
	// APIKey is the credential. Required.
	APIKey string `yaml:"api_key" json:"api_key"`

	// BaseURL overrides the API endpoint. Defaults to the public endpoint.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Model is the default model identifier.
	Model string `yaml:"model" json:"model"`

	// UseThinking enables extended thinking where the model supports it.
	UseThinking bool `yaml:"use_thinking" json:"use_thinking"`

	// Cache flags control the cache-marking policy of outgoing requests.
	UseCache      bool `yaml:"use_cache" json:"use_cache"`
	CacheTools    bool `yaml:"cache_tools" json:"cache_tools"`
	CacheSystem   bool `yaml:"cache_system" json:"cache_system"`
	CacheMessages bool `yaml:"cache_messages" json:"cache_messages"`

	// RequestTimeout bounds one streaming request wall clock.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// KeepAliveConfig configures the cache-refresh timer.
type KeepAliveConfig struct {
	// Enabled toggles the keep-alive scheduler.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// IntervalMinutes is the ping period.
	IntervalMinutes int `yaml:"interval_minutes" json:"interval_minutes"`
}

// ToolsConfig configures tool use.
type ToolsConfig struct {
	// Enabled toggles tool inclusion in requests.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// PairTimeoutMinutes is how long a buffered tool_use waits for its
	// result before expiry.
	PairTimeoutMinutes int `yaml:"pair_timeout_minutes" json:"pair_timeout_minutes"`
}

// HistoryConfig bounds what is loaded from the store at startup.
type HistoryConfig struct {
	// MaxCount is the number of most recent messages to load.
	MaxCount int `yaml:"max_count" json:"max_count"`

	// TruncateChars caps loaded text bodies (0 = no truncation).
	TruncateChars int `yaml:"truncate_chars" json:"truncate_chars"`

	// IncludeTools keeps tool_use/tool_result blocks when loading.
	IncludeTools bool `yaml:"include_tools" json:"include_tools"`
}

// StoreConfig configures the persistent message store.
type StoreConfig struct {
	// Database is the SQLite file path (":memory:" for ephemeral).
	Database string `yaml:"database" json:"database"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns the configuration used when a field is absent.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "https://api.anthropic.com",
			Model:          "claude-sonnet-4-20250514",
			UseCache:       true,
			CacheTools:     true,
			CacheSystem:    true,
			CacheMessages:  true,
			RequestTimeout: 10 * time.Minute,
		},
		KeepAlive: KeepAliveConfig{
			Enabled:         true,
			IntervalMinutes: 4,
		},
		Tools: ToolsConfig{
			Enabled:            true,
			PairTimeoutMinutes: 5,
		},
		History: HistoryConfig{
			MaxCount:     100,
			IncludeTools: true,
		},
		Store: StoreConfig{
			Database: "parley.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a config file, merging it over defaults. The format is chosen by
// extension: .json/.json5 parse as JSON5, everything else as YAML. Environment
// variables in the file body are expanded before parsing.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration errors that block startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.APIKey) == "" {
		return fmt.Errorf("api.api_key is required")
	}
	if strings.TrimSpace(c.API.Model) == "" {
		return fmt.Errorf("api.model is required")
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.KeepAlive.Enabled && c.KeepAlive.IntervalMinutes <= 0 {
		return fmt.Errorf("keep_alive.interval_minutes must be positive")
	}
	if c.Tools.PairTimeoutMinutes <= 0 {
		return fmt.Errorf("tools.pair_timeout_minutes must be positive")
	}
	if c.History.MaxCount < 0 {
		return fmt.Errorf("history.max_count must not be negative")
	}
	if strings.TrimSpace(c.Store.Database) == "" {
		return fmt.Errorf("store.database is required")
	}
	return nil
}

// KeepAliveInterval returns the ping period as a duration.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAlive.IntervalMinutes) * time.Minute
}

// PairTimeout returns the tool-pair expiry as a duration.
func (c *Config) PairTimeout() time.Duration {
	return time.Duration(c.Tools.PairTimeoutMinutes) * time.Minute
}
