// Package config loads lifelab settings from lifelab.toml, LIFELAB_*
// environment variables and defaults, in increasing order of precedence
// for env over file over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file name searched for when no path is given.
const FileName = "lifelab.toml"

// EnvPrefix prefixes environment overrides, e.g. LIFELAB_REMOTE_URL.
const EnvPrefix = "LIFELAB"

// Config is the full lifelab configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	Local        LocalConfig        `mapstructure:"local"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Log          LogConfig          `mapstructure:"log"`
}

// LocalConfig locates the on-device database.
type LocalConfig struct {
	// Path of the SQLite file (default: <data_dir>/lifelab.db)
	Path string `mapstructure:"path"`
}

// RemoteConfig locates the remote document store.
type RemoteConfig struct {
	// URL of the libSQL database. Empty disables sync.
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// QueueConfig tunes retry backoff.
type QueueConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	// PollInterval is how often the daemon looks for operations queued by
	// other lifelab processes (default: 2s)
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ConnectivityConfig tunes the reachability probe.
type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// AuthConfig locates the session file.
type AuthConfig struct {
	// SessionFile (default: <data_dir>/session.json)
	SessionFile  string        `mapstructure:"session_file"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
}

// DashboardConfig binds the sync indicator server.
type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// PollInterval is how often migration status is checked for changes
	// to broadcast (default: 2s)
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LogConfig controls log output.
type LogConfig struct {
	// File (default: <data_dir>/lifelab.log)
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

// DefaultDataDir returns <user config dir>/lifelab, falling back to
// ./.lifelab when the user config dir is unknown.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".lifelab"
	}
	return filepath.Join(dir, "lifelab")
}

// DefaultConfig returns sensible defaults. Paths are left empty and
// derived from DataDir by Load.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Queue: QueueConfig{
			BaseDelay:    time.Second,
			MaxDelay:     5 * time.Minute,
			PollInterval: 2 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Auth: AuthConfig{
			ReadyTimeout: 10 * time.Second,
		},
		Dashboard: DashboardConfig{
			Host:         "127.0.0.1",
			Port:         7420,
			PollInterval: 2 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("local.path", d.Local.Path)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.auth_token", d.Remote.AuthToken)
	v.SetDefault("queue.base_delay", d.Queue.BaseDelay)
	v.SetDefault("queue.max_delay", d.Queue.MaxDelay)
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)
	v.SetDefault("connectivity.probe_interval", d.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.probe_timeout", d.Connectivity.ProbeTimeout)
	v.SetDefault("auth.session_file", d.Auth.SessionFile)
	v.SetDefault("auth.ready_timeout", d.Auth.ReadyTimeout)
	v.SetDefault("dashboard.host", d.Dashboard.Host)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("dashboard.poll_interval", d.Dashboard.PollInterval)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.verbose", d.Log.Verbose)
}

// Load reads configuration. If path is empty, lifelab.toml is searched for
// in the user config dir and the working directory, and a missing file is
// not an error. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(DefaultDataDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths() {
	if c.Local.Path == "" {
		c.Local.Path = filepath.Join(c.DataDir, "lifelab.db")
	}
	if c.Auth.SessionFile == "" {
		c.Auth.SessionFile = filepath.Join(c.DataDir, "session.json")
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.DataDir, "lifelab.log")
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("invalid config: data_dir is required")
	}
	if c.Queue.BaseDelay <= 0 {
		return fmt.Errorf("invalid config: queue.base_delay must be positive")
	}
	if c.Queue.MaxDelay < c.Queue.BaseDelay {
		return fmt.Errorf("invalid config: queue.max_delay must be at least queue.base_delay")
	}
	if c.Queue.PollInterval <= 0 || c.Dashboard.PollInterval <= 0 {
		return fmt.Errorf("invalid config: poll intervals must be positive")
	}
	if c.Connectivity.ProbeInterval <= 0 || c.Connectivity.ProbeTimeout <= 0 {
		return fmt.Errorf("invalid config: connectivity probe interval and timeout must be positive")
	}
	if c.Auth.ReadyTimeout < 0 {
		return fmt.Errorf("invalid config: auth.ready_timeout must not be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid config: dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// SyncEnabled reports whether a remote store is configured.
func (c *Config) SyncEnabled() bool {
	return c.Remote.URL != ""
}
