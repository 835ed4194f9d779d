package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/torbobase/torbo/internal/access"
)

// Load reads configuration from the YAML file under the data directory
// (when present), environment variables with the TORBO prefix, and the
// built-in defaults.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(DefaultDataDir(), "config.yaml"))
}

// LoadFrom reads configuration with an explicit config file path.
func LoadFrom(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TORBO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// missing file is fine: defaults + env vars
	}

	cfg := unmarshal(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.lan_access", defaults.Server.LANAccess)
	v.SetDefault("server.max_body_bytes", defaults.Server.MaxBodyBytes)
	v.SetDefault("server.max_concurrent", defaults.Server.MaxConcurrent)
	v.SetDefault("server.trusted_networks", defaults.Server.TrustedNetworks)

	v.SetDefault("pairing.expiry_days", defaults.Pairing.ExpiryDays)
	v.SetDefault("pairing.auto_pair", defaults.Pairing.AutoPair)

	v.SetDefault("providers.order", defaults.Providers.Order)
	v.SetDefault("providers.local_base_url", defaults.Providers.LocalBaseURL)
	v.SetDefault("providers.local_binary", defaults.Providers.LocalBinary)
	v.SetDefault("providers.openai_model", defaults.Providers.OpenAIModel)
	v.SetDefault("providers.anthropic_model", defaults.Providers.AnthropicModel)
	v.SetDefault("providers.gemini_model", defaults.Providers.GeminiModel)

	v.SetDefault("tools.shell", defaults.Tools.Shell)
	v.SetDefault("tools.command_timeout_sec", defaults.Tools.CommandTimeoutSec)
	v.SetDefault("tools.working_dir", defaults.Tools.WorkingDir)
	v.SetDefault("tools.mcp_command", defaults.Tools.MCPCommand)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.console", defaults.Logging.Console)

	v.SetDefault("data_dir", defaults.DataDir)

	v.SetDefault("settings.access_level", int(defaults.Settings.AccessLevel))
	v.SetDefault("settings.rate_limit", defaults.Settings.RateLimitPerMin)
}

func unmarshal(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.LANAccess = v.GetBool("server.lan_access")
	cfg.Server.MaxBodyBytes = v.GetInt64("server.max_body_bytes")
	cfg.Server.MaxConcurrent = v.GetInt("server.max_concurrent")
	cfg.Server.TrustedNetworks = v.GetStringSlice("server.trusted_networks")

	cfg.Pairing.ExpiryDays = v.GetInt("pairing.expiry_days")
	cfg.Pairing.AutoPair = v.GetBool("pairing.auto_pair")

	cfg.Providers.Order = v.GetStringSlice("providers.order")
	cfg.Providers.LocalBaseURL = v.GetString("providers.local_base_url")
	cfg.Providers.LocalBinary = v.GetString("providers.local_binary")
	cfg.Providers.OpenAIModel = v.GetString("providers.openai_model")
	cfg.Providers.AnthropicModel = v.GetString("providers.anthropic_model")
	cfg.Providers.GeminiModel = v.GetString("providers.gemini_model")

	cfg.Tools.Shell = v.GetString("tools.shell")
	cfg.Tools.CommandTimeoutSec = v.GetInt("tools.command_timeout_sec")
	cfg.Tools.WorkingDir = v.GetString("tools.working_dir")
	cfg.Tools.MCPCommand = v.GetString("tools.mcp_command")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Console = v.GetBool("logging.console")

	cfg.DataDir = v.GetString("data_dir")

	cfg.Settings.AccessLevel = clampLevel(v.GetInt("settings.access_level"))
	cfg.Settings.RateLimitPerMin = v.GetInt("settings.rate_limit")

	return cfg
}

func clampLevel(n int) (l access.Level) {
	l = access.Level(n)
	if !l.Valid() {
		l = access.LevelChat
	}
	return l
}
