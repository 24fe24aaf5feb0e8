package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Bind != ":8080" || cfg.Cache.Backend != "memory" {
		t.Errorf("Expected defaults, got %+v", cfg.Server)
	}
	if !cfg.Geo.FailOpen {
		t.Error("Expected fail-open by default")
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
bind = ":9000"

[geo]
apiKey = "from-file"
timeout = "2s"
failOpen = false

[options]
allowed_countries = ["US", "CA"]
min_form_time = 5

[visitorLog]
enabled = true
path = "/tmp/logs.db"
throttle = "1m"

[plugins.config.geoaccess]
protected_paths = ["/contact"]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.Bind != ":9000" {
		t.Errorf("Expected bind :9000, got %s", cfg.Server.Bind)
	}
	if cfg.Geo.APIKey != "from-file" || cfg.Geo.Timeout != 2*time.Second || cfg.Geo.FailOpen {
		t.Errorf("Unexpected geo config: %+v", cfg.Geo)
	}
	if cfg.Geo.BaseURL != "http://api.ipstack.com" {
		t.Errorf("Expected default base URL to survive, got %s", cfg.Geo.BaseURL)
	}
	if cfg.VisitorLog.Throttle != time.Minute {
		t.Errorf("Expected 1m throttle, got %v", cfg.VisitorLog.Throttle)
	}
	if v, ok := cfg.Options["min_form_time"].(int64); !ok || v != 5 {
		t.Errorf("Expected min_form_time 5, got %#v", cfg.Options["min_form_time"])
	}
	if _, ok := cfg.Options["allowed_countries"].([]any); !ok {
		t.Errorf("Expected list option, got %#v", cfg.Options["allowed_countries"])
	}
	if _, ok := cfg.Plugins.Config["geoaccess"]["protected_paths"]; !ok {
		t.Error("Expected plugin config to be decoded")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv(EnvAPIKey, " env-key ")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Geo.APIKey != "env-key" {
		t.Errorf("Expected env key, got %q", cfg.Geo.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"CacheBackend", func(c *Config) { c.Cache.Backend = "etcd" }},
		{"OptionsBackend", func(c *Config) { c.OptionsStore.Backend = "file" }},
		{"Provider", func(c *Config) { c.Geo.Provider = "whois" }},
		{"MMDBPath", func(c *Config) { c.Geo.Provider = "mmdb" }},
		{"LogPath", func(c *Config) { c.VisitorLog.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	path := filepath.Join(t.TempDir(), "saved.toml")
	cfg := DefaultConfig()
	cfg.Server.Bind = ":7000"
	cfg.VisitorLog.Throttle = 90 * time.Second
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Server.Bind != ":7000" || loaded.VisitorLog.Throttle != 90*time.Second {
		t.Errorf("Round trip lost values: %+v %+v", loaded.Server, loaded.VisitorLog)
	}
}
