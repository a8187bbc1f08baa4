package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/jroosing/wgtunnel/internal/helpers"
)

// initConfig sets up the config loader with defaults, env binding, and an
// optional config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable binding.
	// Uses WGTUNNEL_ prefix: WGTUNNEL_SERVER_PORT -> server.port
	v.SetEnvPrefix("WGTUNNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 51820)
	v.SetDefault("server.send_workers", 4)
	v.SetDefault("server.send_queue_size", 1024)

	// Device defaults
	v.SetDefault("device.instance_id", "")
	v.SetDefault("device.interface_index", 0)

	// Resolver defaults
	// The debounce guards against source-address flap storms; disabled by
	// default so routing changes always take effect immediately.
	v.SetDefault("resolver.requery_min_interval", "0s")

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	// Management API defaults
	// Default to disabled and bound to localhost for safety.
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")

	// Database defaults
	v.SetDefault("database.path", "wgtunnel.db")
}

// Load reads configuration from the optional file path plus environment,
// validates it, and fills generated fields.
func Load(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Device.InstanceID == "" {
		cfg.Device.InstanceID = uuid.New().String()[:8]
	}
	return cfg, nil
}

// Validate checks ranges and formats; it normalizes clampable values
// rather than failing on them.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	c.Server.SendWorkers = helpers.ClampInt(c.Server.SendWorkers, 1, 64)
	c.Server.SendQueueSize = helpers.ClampInt(c.Server.SendQueueSize, 16, 1<<16)

	if c.Resolver.RequeryMinInterval != "" {
		if _, err := time.ParseDuration(c.Resolver.RequeryMinInterval); err != nil {
			return fmt.Errorf("resolver.requery_min_interval: %w", err)
		}
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("api.port out of range: %d", c.API.Port)
		}
		if c.API.Host == "" {
			return fmt.Errorf("api.host must not be empty when the API is enabled")
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	return nil
}

// ListenPort returns the configured UDP port as the transport wants it.
func (c *Config) ListenPort() uint16 {
	return helpers.ClampIntToUint16(c.Server.Port)
}
