package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// fileLayout mirrors Config with durations as strings, the form viper
// accepts back.
type fileLayout struct {
	DataDir string `toml:"data_dir"`
	Local   struct {
		Path string `toml:"path"`
	} `toml:"local"`
	Remote struct {
		URL       string `toml:"url"`
		AuthToken string `toml:"auth_token"`
	} `toml:"remote"`
	Queue struct {
		BaseDelay    string `toml:"base_delay"`
		MaxDelay     string `toml:"max_delay"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"queue"`
	Connectivity struct {
		ProbeInterval string `toml:"probe_interval"`
		ProbeTimeout  string `toml:"probe_timeout"`
	} `toml:"connectivity"`
	Auth struct {
		SessionFile  string `toml:"session_file"`
		ReadyTimeout string `toml:"ready_timeout"`
	} `toml:"auth"`
	Dashboard struct {
		Host         string `toml:"host"`
		Port         int    `toml:"port"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"dashboard"`
	Log struct {
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
		Verbose    bool   `toml:"verbose"`
	} `toml:"log"`
}

// WriteTemplate encodes cfg as TOML.
func WriteTemplate(w io.Writer, cfg *Config) error {
	var f fileLayout
	f.DataDir = cfg.DataDir
	f.Local.Path = cfg.Local.Path
	f.Remote.URL = cfg.Remote.URL
	f.Remote.AuthToken = cfg.Remote.AuthToken
	f.Queue.BaseDelay = cfg.Queue.BaseDelay.String()
	f.Queue.MaxDelay = cfg.Queue.MaxDelay.String()
	f.Queue.PollInterval = cfg.Queue.PollInterval.String()
	f.Connectivity.ProbeInterval = cfg.Connectivity.ProbeInterval.String()
	f.Connectivity.ProbeTimeout = cfg.Connectivity.ProbeTimeout.String()
	f.Auth.SessionFile = cfg.Auth.SessionFile
	f.Auth.ReadyTimeout = cfg.Auth.ReadyTimeout.String()
	f.Dashboard.Host = cfg.Dashboard.Host
	f.Dashboard.Port = cfg.Dashboard.Port
	f.Dashboard.PollInterval = cfg.Dashboard.PollInterval.String()
	f.Log.File = cfg.Log.File
	f.Log.MaxSizeMB = cfg.Log.MaxSizeMB
	f.Log.MaxBackups = cfg.Log.MaxBackups
	f.Log.MaxAgeDays = cfg.Log.MaxAgeDays
	f.Log.Verbose = cfg.Log.Verbose

	if _, err := fmt.Fprintln(w, "# lifelab configuration"); err != nil {
		return err
	}
	if err := toml.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteFile writes cfg to path, refusing to overwrite unless force is set.
func WriteFile(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := WriteTemplate(f, cfg); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}
	return nil
}
