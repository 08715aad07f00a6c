// Package config loads the broker's YAML configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration, as described in SPEC_FULL
// §6's "Config surface consumed".
type Config struct {
	AllowAnonymous bool              `yaml:"allow_anonymous"`
	Authentications map[string]string `yaml:"authentications"` // username -> bcrypt hash

	LogLevel string `yaml:"loglevel"`
	LogFile  string `yaml:"logfile"`

	Listeners struct {
		GnetTCP   string `yaml:"gnet_tcp"`
		TCP       string `yaml:"tcp"`
		WebSocket string `yaml:"websocket"`
	} `yaml:"listeners"`

	KeepaliveSweepSeconds int `yaml:"keepalive_sweep_seconds"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	c := &Config{
		AllowAnonymous:        true,
		Authentications:       map[string]string{},
		LogLevel:              "info",
		LogFile:               "",
		KeepaliveSweepSeconds: 5,
	}
	c.Listeners.GnetTCP = ":1883"
	c.Listeners.TCP = ":1885"
	c.Listeners.WebSocket = ":1884"
	return c
}

// Load reads and parses the YAML file at path, filling in defaults for any
// field left unset.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c, nil
}

// SlogLevel translates the config's loglevel string into a slog.Level,
// defaulting to Info on an unrecognized value.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
