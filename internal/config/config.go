// Package config loads the daemon's configuration from a YAML file with
// environment-variable overrides (FABLE_ prefix, dots become underscores).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Library  LibraryConfig  `mapstructure:"library" yaml:"library"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Watchdog WatchdogConfig `mapstructure:"watchdog" yaml:"watchdog"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Token, when set, is required as a Bearer credential on every /v1 call.
	Token string `mapstructure:"token" yaml:"token"`
}

type LibraryConfig struct {
	// ManifestPath points at the audiobook manifest to open on boot.
	ManifestPath string `mapstructure:"manifest_path" yaml:"manifest_path"`
	// AudioDir receives the downloaded track files.
	AudioDir string `mapstructure:"audio_dir" yaml:"audio_dir"`
	// StateDir holds the position journal and resume tokens.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
}

type StoreConfig struct {
	// Backend selects the persistence store: "sqlite" or "postgres".
	Backend    string `mapstructure:"backend" yaml:"backend"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

type WatchdogConfig struct {
	StallTimeout  time.Duration `mapstructure:"stall_timeout" yaml:"stall_timeout"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
	MaxSizeMB     int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups    int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Load reads the config at path. An empty path falls back to config.yaml in
// the working directory; a missing file is fine, defaults and environment
// variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("library.audio_dir", "./audio")
	v.SetDefault("library.state_dir", "./state")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "./state/downloads.db")
	v.SetDefault("watchdog.stall_timeout", 45*time.Second)
	v.SetDefault("watchdog.max_retries", 3)
	v.SetDefault("watchdog.retry_delay", 5*time.Second)
	v.SetDefault("watchdog.check_interval", 10*time.Second)
	v.SetDefault("log.path", "fable.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)

	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	v.SetEnvPrefix("FABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// FABLE_API_TOKEN predates the server.token key and stays supported.
	if err := v.BindEnv("server.token", "FABLE_SERVER_TOKEN", "FABLE_API_TOKEN"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		// Connection settings come from FABLE_PG_* environment variables.
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Library.ManifestPath == "" {
		return errors.New("library.manifest_path is required")
	}
	if c.Watchdog.MaxRetries < 0 {
		return errors.New("watchdog.max_retries must not be negative")
	}
	return nil
}
