package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/matplo/procorg/internal/logger"
)

// Config is the engine-wide configuration, loaded from a TOML file.
// Everything has a sensible default so a config file is optional; the CLI
// only needs a data directory to operate.
type Config struct {
	// DataDir is the root of the persistent store (per-user partitions,
	// execution logs, watermarks).
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`
	// StopGrace is the SIGTERM-to-SIGKILL escalation window.
	StopGrace time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	// Tick is the scheduler evaluation cadence.
	Tick time.Duration `toml:"tick" mapstructure:"tick"`
	// Listen is the HTTP API bind address for the serve command.
	Listen string `toml:"listen" mapstructure:"listen"`
	// HistoryDSN optionally mirrors execution events to an external audit
	// database (sqlite path, postgres:// or clickhouse:// DSN).
	HistoryDSN string `toml:"history_dsn" mapstructure:"history_dsn"`

	Log logger.Config `toml:"log" mapstructure:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DataDir:   filepath.Join(home, ".procorg"),
		StopGrace: 5 * time.Second,
		Tick:      30 * time.Second,
		Listen:    "127.0.0.1:8420",
		Log:       logger.Config{Level: "info"},
	}
}

// Load reads the TOML config at path, layered over defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.StopGrace < 0 {
		return fmt.Errorf("stop_grace must be >= 0")
	}
	if c.Tick < 0 {
		return fmt.Errorf("tick must be >= 0")
	}
	return nil
}
