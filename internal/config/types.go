// Package config provides configuration loading for wgtunnel using Viper.
// Configuration is loaded from YAML files with automatic environment
// variable binding.
//
// Environment variables use the WGTUNNEL_ prefix and underscore-separated
// keys:
//   - WGTUNNEL_SERVER_PORT -> server.port
//   - WGTUNNEL_RESOLVER_REQUERY_MIN_INTERVAL -> resolver.requery_min_interval
//   - WGTUNNEL_API_ENABLED -> api.enabled
package config

import "time"

// ServerConfig contains transport-facing settings.
type ServerConfig struct {
	// Port is the UDP listen port; 0 picks an ephemeral port.
	Port int `yaml:"port" mapstructure:"port"`
	// SendWorkers is the number of async sender goroutines per device.
	SendWorkers int `yaml:"send_workers" mapstructure:"send_workers"`
	// SendQueueSize bounds the async dispatch queue per device.
	SendQueueSize int `yaml:"send_queue_size" mapstructure:"send_queue_size"`
}

// DeviceConfig identifies the tunnel device.
type DeviceConfig struct {
	// InstanceID labels this daemon instance; auto-generated when empty.
	InstanceID string `yaml:"instance_id" mapstructure:"instance_id"`
	// InterfaceIndex is the tunnel's own interface index, excluded from
	// route resolution. 0 disables the exclusion.
	InterfaceIndex int `yaml:"interface_index" mapstructure:"interface_index"`
}

// ResolverConfig tunes the source-address resolver.
type ResolverConfig struct {
	// RequeryMinInterval debounces forwarding-table rescans per peer.
	// "0s" (the default) rescans on every routing change.
	RequeryMinInterval string `yaml:"requery_min_interval" mapstructure:"requery_min_interval"`
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"`
}

// APIConfig configures the management REST API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// DatabaseConfig locates the device/peer configuration store.
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"   mapstructure:"server"`
	Device   DeviceConfig   `yaml:"device"   mapstructure:"device"`
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`
	Logging  LoggingConfig  `yaml:"logging"  mapstructure:"logging"`
	API      APIConfig      `yaml:"api"      mapstructure:"api"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// RequeryMinInterval parses the resolver debounce window; invalid or
// negative values collapse to zero (disabled).
func (c *Config) RequeryMinInterval() time.Duration {
	d, err := time.ParseDuration(c.Resolver.RequeryMinInterval)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
