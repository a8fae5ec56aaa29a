// Package config loads the bridge's TOML configuration file.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds all runtime settings for the bridge.
type Config struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string
	// DBPath is the SQLite file recording traffic and link events.
	DBPath string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	Link     LinkConfig
}

// LinkConfig selects and parameterises the serial transport.
type LinkConfig struct {
	// Kind is "ble" for an HM-10 module or "tcp" for a serial-over-TCP
	// bridge.
	Kind string
	// Addr is the peripheral MAC address (ble) or host:port (tcp).
	Addr string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DBPath:     "hm10link.db",
		LogLevel:   "info",
		Link: LinkConfig{
			Kind: "ble",
		},
	}
}

// fileConfig maps config.toml keys onto runtime settings.
type fileConfig struct {
	ListenAddr string `toml:"listen_addr"`
	DBPath     string `toml:"db_path"`
	LogLevel   string `toml:"log_level"`
	LinkKind   string `toml:"link_kind"`
	LinkAddr   string `toml:"link_addr"`
}

// Load reads the TOML file at path and overlays it onto the defaults.
// Keys absent from the file keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if meta.IsDefined("link_kind") {
		cfg.Link.Kind = strings.ToLower(strings.TrimSpace(raw.LinkKind))
	}
	if meta.IsDefined("link_addr") {
		cfg.Link.Addr = strings.TrimSpace(raw.LinkAddr)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks for settings no transport can act on.
func (c Config) Validate() error {
	switch c.Link.Kind {
	case "ble", "tcp":
	default:
		return fmt.Errorf("config: unknown link_kind %q", c.Link.Kind)
	}
	if c.Link.Addr == "" {
		return fmt.Errorf("config: link_addr must be set")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}
