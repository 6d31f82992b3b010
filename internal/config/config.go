package config

import (
	"fmt"
	"time"
)

// Config defines the configuration for the smelter tooling.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	OpenStack OpenStackConfig `mapstructure:"openstack"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Batch     BatchConfig     `mapstructure:"batch"`
}

// LogConfig defines the logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OpenStackConfig defines how to reach the bare metal and networking
// services. Credentials may also come from the standard OS_* cloud
// environment variables; values here take precedence.
type OpenStackConfig struct {
	AuthURL           string        `mapstructure:"auth_url"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	ProjectName       string        `mapstructure:"project_name"`
	UserDomainName    string        `mapstructure:"user_domain_name"`
	ProjectDomainName string        `mapstructure:"project_domain_name"`
	Region            string        `mapstructure:"region"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// DefaultsConfig defines fallbacks applied when a deploy request leaves
// a knob unset.
type DefaultsConfig struct {
	ResourceClass  string        `mapstructure:"resource_class"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	ReserveTimeout time.Duration `mapstructure:"reserve_timeout"`
}

// BatchConfig defines multi-instance deployment behavior.
type BatchConfig struct {
	Concurrency int  `mapstructure:"concurrency"`
	CleanUp     bool `mapstructure:"clean_up"`
}

// Validate validates the configuration and fills in defaults for
// anything left unset.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Log.Level != "" && !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log.format: %s (must be json or text)", c.Log.Format)
	}

	if c.Defaults.WaitTimeout < 0 {
		return fmt.Errorf("defaults.wait_timeout must not be negative")
	}
	if c.Defaults.ReserveTimeout < 0 {
		return fmt.Errorf("defaults.reserve_timeout must not be negative")
	}

	c.setDefaults()

	return nil
}

// setDefaults sets default values for configuration fields that are not set.
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.OpenStack.PollInterval <= 0 {
		c.OpenStack.PollInterval = 5 * time.Second
	}

	if c.Defaults.WaitTimeout == 0 {
		c.Defaults.WaitTimeout = time.Hour
	}
	if c.Defaults.ReserveTimeout == 0 {
		c.Defaults.ReserveTimeout = 2 * time.Minute
	}
}
