// Package config loads an optional operator-tunable YAML file: the
// cloud controller URL, the reconfiguration debounce window and fan-out
// limit, and the per-call engine timeout. Absent entirely, every field
// falls back to its documented default (none for the cloud URL).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the canonical on-disk location of the operator config
// file.
const DefaultPath = "/etc/orchestrator/agent.yaml"

const (
	defaultDebounceWindow = 3 * time.Second
	defaultFanOut         = 4
	defaultEngineTimeout  = 30 * time.Second
)

// Config is the operator-tunable subset of agent behavior. The debounce
// window, fan-out, and engine timeout get their default from Load when
// the file is absent or the field is omitted. CredentialDir,
// RegistryPath, and EventSocketPath default to their owning package's
// own constant when left blank, so they have no defaultX counterpart
// here. CloudServerURL has no default and stays empty when unset.
type Config struct {
	CloudServerURL    string        `yaml:"cloud_server_url,omitempty"`
	CredentialDir     string        `yaml:"credential_dir,omitempty"`
	RegistryPath      string        `yaml:"registry_path,omitempty"`
	EventSocketPath   string        `yaml:"event_socket_path,omitempty"`
	DebounceWindow    time.Duration `yaml:"debounce_window,omitempty"`
	ReconfigFanOut    int           `yaml:"reconfig_fan_out,omitempty"`
	EngineCallTimeout time.Duration `yaml:"engine_call_timeout,omitempty"`

	path string
}

// Load reads path (DefaultPath if empty). A missing file yields a
// Config populated entirely with defaults; this is not an error, since
// every field is optional.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}

	cfg := &Config{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", path, err)
		}
	}
	cfg.path = path
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = defaultDebounceWindow
	}
	if c.ReconfigFanOut <= 0 {
		c.ReconfigFanOut = defaultFanOut
	}
	if c.EngineCallTimeout <= 0 {
		c.EngineCallTimeout = defaultEngineTimeout
	}
}

// Save writes the config atomically (temp file + rename), matching the
// registry's persistence pattern.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	path := c.path
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory %q: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config file %q: %w", path, err)
	}
	return nil
}

// Path returns the file path this config was loaded from or will be
// saved to.
func (c *Config) Path() string {
	if c == nil {
		return ""
	}
	if c.path == "" {
		return DefaultPath
	}
	return c.path
}
