// Package config loads the host configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/JustCasey76/aqm-security-sub000/pkg/geo"
	"github.com/JustCasey76/aqm-security-sub000/pkg/logging"
	"github.com/JustCasey76/aqm-security-sub000/pkg/storage"
)

// EnvAPIKey overrides geo.apiKey when set
const EnvAPIKey = "AQM_SECURITY_API_KEY"

// Config represents the main application configuration
type Config struct {
	Server       ServerConfig        `toml:"server"`
	Geo          geo.Config          `toml:"geo"`
	Options      map[string]any      `toml:"options"`
	Redis        storage.RedisConfig `toml:"redis"`
	Cache        storage.Config      `toml:"cache"`
	OptionsStore OptionsStoreConfig  `toml:"optionsStore"`
	VisitorLog   VisitorLogConfig    `toml:"visitorLog"`
	Logging      logging.Config      `toml:"logging"`
	Metrics      MetricsConfig       `toml:"metrics"`
	Plugins      PluginsConfig       `toml:"plugins"`
}

// ServerConfig contains server-specific configuration
type ServerConfig struct {
	Bind            string        `toml:"bind"`
	AdminToken      string        `toml:"adminToken"`
	ReadTimeout     time.Duration `toml:"readTimeout"`
	WriteTimeout    time.Duration `toml:"writeTimeout"`
	ShutdownTimeout time.Duration `toml:"shutdownTimeout"`
}

// OptionsStoreConfig selects where settings live
type OptionsStoreConfig struct {
	Backend string `toml:"backend"`
	Key     string `toml:"key"`
}

// VisitorLogConfig contains visitor audit log configuration
type VisitorLogConfig struct {
	Enabled       bool          `toml:"enabled"`
	Path          string        `toml:"path"`
	Throttle      time.Duration `toml:"throttle"`
	Retention     time.Duration `toml:"retention"`
	PruneInterval time.Duration `toml:"pruneInterval"`
}

// MetricsConfig contains the prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// PluginsConfig contains plugin system configuration
type PluginsConfig struct {
	Enabled bool                      `toml:"enabled"`
	Config  map[string]map[string]any `toml:"config"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Geo: geo.DefaultConfig(),
		Options: map[string]any{
			"enable_honeypot":      true,
			"enable_time_trap":     true,
			"enable_js_validation": true,
			"enable_decoy_field":   false,
			"min_form_time":        3,
			"auto_block_bots":      false,
		},
		Redis: storage.DefaultRedisConfig(),
		Cache: storage.DefaultConfig(),
		OptionsStore: OptionsStoreConfig{
			Backend: "memory",
			Key:     "aqm-security:options",
		},
		VisitorLog: VisitorLogConfig{
			Enabled:       true,
			Path:          "./data/visitor_logs.db",
			Throttle:      5 * time.Minute,
			Retention:     30 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Plugins: PluginsConfig{
			Enabled: true,
			Config: map[string]map[string]any{
				"geoaccess": {
					"enabled":         true,
					"protected_paths": []string{"/forms/"},
					"route_prefix":    "/aqm-security",
					"log_limit":       100,
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file. A missing file yields the
// defaults. Environment overrides are applied last.
func LoadConfig(filename string) (*Config, error) {
	config := DefaultConfig()

	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			if _, err := toml.DecodeFile(filename, config); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		c.Geo.APIKey = key
	}
}

// Validate checks backend names and required fields
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}
	switch c.OptionsStore.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown options store backend: %s", c.OptionsStore.Backend)
	}
	switch c.Geo.Provider {
	case "", "api":
	case "mmdb":
		if c.Geo.MMDBPath == "" {
			return fmt.Errorf("geo.mmdbPath is required for the mmdb provider")
		}
	default:
		return fmt.Errorf("unknown geo provider: %s", c.Geo.Provider)
	}
	if c.VisitorLog.Enabled && c.VisitorLog.Path == "" {
		return fmt.Errorf("visitorLog.path is required when the visitor log is enabled")
	}
	return nil
}

// SaveConfig saves configuration to a TOML file
func SaveConfig(config *Config, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return toml.NewEncoder(file).Encode(config)
}
