package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/torbobase/torbo/internal/access"
)

// Package config provides configuration management for the gateway.
//
// Responsibilities:
//   - Load configuration from a YAML file, environment variables, and defaults
//   - Validate configuration on startup
//   - Hold the runtime-mutable settings behind an atomic pointer
//
// Configuration sources (priority order, high to low):
//   1. Environment variables (TORBO_* prefix)
//   2. YAML config file (default: <dataDir>/config.yaml)
//   3. Built-in defaults
//
// Startup configuration is never hot-reloaded; the runtime-mutable subset
// (access level, rate limit, category toggles) is replaced atomically via
// PUT /v1/config/settings.

// Config contains all startup configuration fields.
type Config struct {
	// Server configuration
	Server struct {
		Port            int
		LANAccess       bool // bind 0.0.0.0 instead of loopback
		MaxBodyBytes    int64
		MaxConcurrent   int // cap on concurrent provider calls
		TrustedNetworks []string
	}

	// Pairing configuration
	Pairing struct {
		ExpiryDays int
		AutoPair   bool
	}

	// Provider configuration
	Providers struct {
		Order        []string // failover order after local
		LocalBaseURL string
		LocalBinary  string
		OpenAIModel  string
		AnthropicModel string
		GeminiModel  string
	}

	// Tooling configuration
	Tools struct {
		Shell             string
		CommandTimeoutSec int
		WorkingDir        string
		MCPCommand        string
	}

	// Logging configuration
	Logging struct {
		Level   string
		Console bool
	}

	// DataDir is the platform data directory holding all persisted state.
	DataDir string

	// Settings is the runtime-mutable subset, seeded from the sources
	// above and replaced wholesale by PUT /v1/config/settings.
	Settings Settings
}

// Settings is the runtime-mutable configuration subset.
type Settings struct {
	AccessLevel        access.Level    `json:"accessLevel"`
	RateLimitPerMin    int             `json:"rateLimit"`
	DisabledCategories map[string]bool `json:"disabledCategories,omitempty"`
	ProviderOverride   string          `json:"providerOverride,omitempty"`
}

// DefaultDataDir returns the platform data directory for the gateway.
func DefaultDataDir() string {
	if dir := os.Getenv("TORBO_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./torbo-data"
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "torbo")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "torbo")
	}
	return filepath.Join(home, ".local", "share", "torbo")
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8420
	cfg.Server.LANAccess = false
	cfg.Server.MaxBodyBytes = 32 << 20
	cfg.Server.MaxConcurrent = 8
	cfg.Pairing.ExpiryDays = 30
	cfg.Pairing.AutoPair = false
	cfg.Providers.Order = []string{"local", "openai", "anthropic", "gemini"}
	cfg.Providers.LocalBaseURL = "http://127.0.0.1:11434"
	cfg.Providers.OpenAIModel = "gpt-4o"
	cfg.Providers.AnthropicModel = "claude-3-5-sonnet-20241022"
	cfg.Providers.GeminiModel = "gemini-1.5-pro"
	cfg.Tools.Shell = "/bin/sh"
	cfg.Tools.CommandTimeoutSec = 30
	cfg.Logging.Level = "info"
	cfg.Logging.Console = true
	cfg.DataDir = DefaultDataDir()
	cfg.Settings = Settings{
		AccessLevel:     access.LevelChat,
		RateLimitPerMin: 60,
	}
	return cfg
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if !c.Settings.AccessLevel.Valid() {
		return fmt.Errorf("access level %d out of range", c.Settings.AccessLevel)
	}
	if c.Settings.RateLimitPerMin <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.Tools.CommandTimeoutSec <= 0 || c.Tools.CommandTimeoutSec > 300 {
		return fmt.Errorf("command timeout must be within (0, 300] seconds")
	}
	if c.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent tasks must be positive")
	}
	return nil
}
