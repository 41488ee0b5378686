// Package config loads nightmeter settings and the Night Factory router
// configuration that carries prices and budget caps.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Store backends understood by the meter.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

// Config holds nightmeter's own preferences. Prices and caps live in the
// router file, not here.
type Config struct {
	Paths      PathsConfig      `toml:"paths"`
	Appearance AppearanceConfig `toml:"appearance"`
	Log        LogConfig        `toml:"log"`
	Daemon     DaemonConfig     `toml:"daemon"`
}

// PathsConfig locates the router config and the ledger.
type PathsConfig struct {
	Router string `toml:"router"`
	Meter  string `toml:"meter,omitempty"`
	Store  string `toml:"store"`
}

// AppearanceConfig holds theme settings.
type AppearanceConfig struct {
	Theme string `toml:"theme"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level string `toml:"level"`
}

// DaemonConfig holds defaults for `nightmeter daemon`.
type DaemonConfig struct {
	Addr     string `toml:"addr"`
	Interval string `toml:"interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			Router: filepath.Join("config", "router.json"),
			Store:  StoreJSON,
		},
		Appearance: AppearanceConfig{
			Theme: "flexoki-dark",
		},
		Log: LogConfig{
			Level: "info",
		},
		Daemon: DaemonConfig{
			Addr:     "127.0.0.1:8788",
			Interval: "30s",
		},
	}
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nightmeter")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "nightmeter")
}

// ConfigPath returns the full path to the settings file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads the settings file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads settings from path, returning defaults if it doesn't exist.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // settings path is chosen by the local user
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Save writes the settings to disk.
func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

// SaveTo writes the settings to path.
func SaveTo(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec // see LoadFrom
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Exists returns true if a settings file exists on disk.
func Exists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}

// RouterPath returns the router config path from env var or settings, in that order.
func RouterPath(cfg Config) string {
	if p := os.Getenv("NIGHTMETER_CONFIG"); p != "" {
		return p
	}
	return cfg.Paths.Router
}

// StoreKind returns the ledger backend from env var or settings, in that order.
func StoreKind(cfg Config) string {
	if s := os.Getenv("NIGHTMETER_STORE"); s != "" {
		return s
	}
	if cfg.Paths.Store == "" {
		return StoreJSON
	}
	return cfg.Paths.Store
}

// MeterPath returns the ledger path from env var or settings, falling back
// to the default location for the selected backend.
func MeterPath(cfg Config) string {
	if p := os.Getenv("NIGHTMETER_METER"); p != "" {
		return p
	}
	if cfg.Paths.Meter != "" {
		return cfg.Paths.Meter
	}
	return DefaultMeterPath(StoreKind(cfg))
}

// DefaultMeterPath returns reports/budget_meter.{json,db}.
func DefaultMeterPath(store string) string {
	if store == StoreSQLite {
		return filepath.Join("reports", "budget_meter.db")
	}
	return filepath.Join("reports", "budget_meter.json")
}

// DaemonInterval parses the daemon poll interval, defaulting to 30s.
func DaemonInterval(cfg Config) time.Duration {
	d, err := time.ParseDuration(cfg.Daemon.Interval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
