// Package config loads the server configuration file. JSON is the primary
// format; YAML is accepted since the parser treats JSON as a subset.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devflow/devflow/errs"
)

// Config is the full server configuration.
type Config struct {
	// ConnectionString is the SQLite DSN. A plain path works.
	ConnectionString string `json:"ConnectionString" yaml:"ConnectionString"`

	Plugins   PluginsConfig   `json:"Plugins" yaml:"Plugins"`
	McpServer McpServerConfig `json:"McpServer" yaml:"McpServer"`
	Nats      NatsConfig      `json:"Nats" yaml:"Nats"`
	Metrics   MetricsConfig   `json:"Metrics" yaml:"Metrics"`

	// Registries maps a package scheme (pkg-m, pkg-s, pkg-p) to the base URL
	// of its package registry. Schemes without an entry resolve from the
	// local cache only.
	Registries map[string]string `json:"Registries" yaml:"Registries"`
}

// PluginsConfig controls discovery and execution.
type PluginsConfig struct {
	PluginDirectories   []string `json:"PluginDirectories" yaml:"PluginDirectories"`
	EnableHotReload     bool     `json:"EnableHotReload" yaml:"EnableHotReload"`
	ExecutionTimeoutMs  int      `json:"ExecutionTimeoutMs" yaml:"ExecutionTimeoutMs"`
	MaxMemoryMb         int      `json:"MaxMemoryMb" yaml:"MaxMemoryMb"`
	ScanIntervalSeconds int      `json:"ScanIntervalSeconds" yaml:"ScanIntervalSeconds"`
	RegistryCachePath   string   `json:"RegistryCachePath" yaml:"RegistryCachePath"`
}

// McpServerConfig controls the HTTP transport.
type McpServerConfig struct {
	HttpPort   int  `json:"HttpPort" yaml:"HttpPort"`
	EnableHttp bool `json:"EnableHttp" yaml:"EnableHttp"`
}

// NatsConfig optionally mirrors domain events to NATS.
type NatsConfig struct {
	URL string `json:"Url" yaml:"Url"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"Enabled" yaml:"Enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ConnectionString: "devflow.db",
		Plugins: PluginsConfig{
			PluginDirectories:   []string{"./plugins"},
			ExecutionTimeoutMs:  30000,
			MaxMemoryMb:         256,
			ScanIntervalSeconds: 30,
			RegistryCachePath:   ".devflow/cache",
		},
		McpServer: McpServerConfig{
			HttpPort:   8080,
			EnableHttp: true,
		},
	}
}

// Load reads and validates a configuration file, filling in defaults for
// anything the file leaves out.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrapf(errs.KindValidation, "Config.Unreadable", err, "cannot read config file %s", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrapf(errs.KindValidation, "Config.Malformed", err, "cannot parse config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return errs.Validation("Config.NoConnectionString", "ConnectionString must not be empty")
	}
	if c.Plugins.ExecutionTimeoutMs <= 0 {
		return errs.Validation("Config.BadTimeout", "Plugins.ExecutionTimeoutMs must be positive, got %d", c.Plugins.ExecutionTimeoutMs)
	}
	if c.Plugins.MaxMemoryMb <= 0 {
		return errs.Validation("Config.BadMemoryCap", "Plugins.MaxMemoryMb must be positive, got %d", c.Plugins.MaxMemoryMb)
	}
	if c.Plugins.EnableHotReload && c.Plugins.ScanIntervalSeconds <= 0 {
		return errs.Validation("Config.BadScanInterval", "Plugins.ScanIntervalSeconds must be positive when hot reload is on")
	}
	if c.McpServer.EnableHttp && (c.McpServer.HttpPort < 1 || c.McpServer.HttpPort > 65535) {
		return errs.Validation("Config.BadPort", "McpServer.HttpPort must be 1-65535, got %d", c.McpServer.HttpPort)
	}
	for _, dir := range c.Plugins.PluginDirectories {
		if dir == "" {
			return errs.Validation("Config.EmptyPluginDirectory", "Plugins.PluginDirectories must not contain empty entries")
		}
	}
	return nil
}

// ExecutionTimeout returns the default per-execution deadline.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Plugins.ExecutionTimeoutMs) * time.Millisecond
}

// ScanInterval returns the hot-reload rescan interval.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Plugins.ScanIntervalSeconds) * time.Second
}
