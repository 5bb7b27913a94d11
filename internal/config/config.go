// Package config holds the persisted defaults layer (SPEC_FULL.md §1.3):
// a YAML file read once at startup, supplying the values CLI flags are
// free to override.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk default configuration, normally found at
// ~/.config/raopplay/config.yaml.
type Config struct {
	Receiver ReceiverConfig `yaml:"receiver"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ReceiverConfig holds the default AirPort Express target and volume.
type ReceiverConfig struct {
	Host   string  `yaml:"host"`
	Port   int     `yaml:"port"`
	Volume float64 `yaml:"volume"`
}

// AuthConfig holds the Digest credentials override (spec.md §9 open
// question on the unwired `-c password` flag: here the override is
// explicit and always wired, never silently ignored).
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

const (
	defaultPort   = 5000
	defaultVolume = 30.0
)

// DefaultPath returns ~/.config/raopplay/config.yaml, or "" if the home
// directory can't be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "raopplay", "config.yaml")
}

// Load reads and parses path, applying field defaults for anything left
// unset. A missing file is not an error — it returns the all-defaults
// Config, since the file is an optional convenience layer.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Receiver: ReceiverConfig{Port: defaultPort, Volume: defaultVolume},
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.Receiver.Port == 0 {
		cfg.Receiver.Port = defaultPort
	}
	if cfg.Receiver.Volume == 0 {
		cfg.Receiver.Volume = defaultVolume
	}

	return cfg, nil
}
