package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from YAML files and environment variables.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// Load loads configuration from files and environment variables.
// YAML files take precedence, then ENV variables override.
func (l *Loader) Load() (*Config, error) {
	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")

	// Search paths in priority order
	l.v.AddConfigPath("/etc/smelter")
	l.v.AddConfigPath("$HOME/.smelter")
	l.v.AddConfigPath(".")

	l.setupEnvVars()
	l.setDefaults()

	// Config file not found is OK, defaults and ENV apply
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (l *Loader) setupEnvVars() {
	l.v.SetEnvPrefix("SMELTER")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

// setDefaults sets default configuration values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "text")

	// OpenStack defaults
	l.v.SetDefault("openstack.poll_interval", "5s")

	// Deploy defaults
	l.v.SetDefault("defaults.resource_class", "")
	l.v.SetDefault("defaults.wait_timeout", "1h")
	l.v.SetDefault("defaults.reserve_timeout", "2m")

	// Batch defaults
	l.v.SetDefault("batch.concurrency", 0)
	l.v.SetDefault("batch.clean_up", true)
}

// LoadWithPath loads configuration from a specific file path.
func LoadWithPath(configPath string) (*Config, error) {
	loader := NewLoader()
	loader.v.SetConfigFile(configPath)
	return loader.Load()
}

// LoadFromEnv loads configuration only from environment variables.
func LoadFromEnv() (*Config, error) {
	loader := NewLoader()
	loader.setupEnvVars()
	loader.setDefaults()

	var cfg Config
	if err := loader.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
