// Package config holds the settings of a modsync installation.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/openmined/modsync/internal/layout"
	"github.com/openmined/modsync/internal/source"
	"github.com/openmined/modsync/internal/utils"
)

const (
	AppDirName         = "modsync"
	DefaultProfileName = "modsync.yaml"
	DefaultConcurrency = 4
)

var (
	DefaultStateDir  = filepath.Join(xdg.DataHome, AppDirName)
	DefaultCacheDir  = filepath.Join(xdg.CacheHome, AppDirName)
	DefaultConfigDir = filepath.Join(xdg.ConfigHome, AppDirName)

	// DefaultGuardProcesses are the executables that mean the game is running.
	DefaultGuardProcesses = []string{
		"EscapeFromTarkov.exe",
		"SPT.Server.exe",
		"Aki.Server.exe",
		"SPT.Launcher.exe",
	}
)

type Config struct {
	GameDir        string           `mapstructure:"game_dir"`
	StateDir       string           `mapstructure:"state_dir"`
	CacheDir       string           `mapstructure:"cache_dir"`
	Profile        string           `mapstructure:"profile"`
	Target         string           `mapstructure:"target"`
	Concurrency    int              `mapstructure:"concurrency"`
	GitHubToken    string           `mapstructure:"github_token"`
	CheckGameDir   bool             `mapstructure:"check_game_dir"`
	GuardProcesses []string         `mapstructure:"guard_processes"`
	S3             *source.S3Config `mapstructure:"s3"`
}

// Default returns a config with every optional key filled in.
func Default() *Config {
	return &Config{
		GameDir:        ".",
		StateDir:       DefaultStateDir,
		CacheDir:       DefaultCacheDir,
		Target:         string(layout.TargetClient),
		Concurrency:    DefaultConcurrency,
		CheckGameDir:   true,
		GuardProcesses: append([]string(nil), DefaultGuardProcesses...),
	}
}

// Validate resolves paths to absolute form and fills defaults.
func (c *Config) Validate() error {
	var err error

	if strings.TrimSpace(c.GameDir) == "" {
		return fmt.Errorf("game_dir required")
	}
	if c.GameDir, err = utils.ResolvePath(c.GameDir); err != nil {
		return fmt.Errorf("game_dir: %w", err)
	}

	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.StateDir, err = utils.ResolvePath(c.StateDir); err != nil {
		return fmt.Errorf("state_dir: %w", err)
	}

	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir
	}
	if c.CacheDir, err = utils.ResolvePath(c.CacheDir); err != nil {
		return fmt.Errorf("cache_dir: %w", err)
	}

	if c.Profile == "" {
		c.Profile = filepath.Join(c.GameDir, DefaultProfileName)
	} else if !filepath.IsAbs(c.Profile) && !strings.HasPrefix(c.Profile, "~") {
		c.Profile = filepath.Join(c.GameDir, c.Profile)
	}
	if c.Profile, err = utils.ResolvePath(c.Profile); err != nil {
		return fmt.Errorf("profile: %w", err)
	}

	target, err := layout.ParseTarget(c.Target)
	if err != nil {
		return err
	}
	c.Target = string(target)

	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Concurrency < 1 || c.Concurrency > 64 {
		return fmt.Errorf("concurrency must be between 1 and 64, got %d", c.Concurrency)
	}

	if c.S3.Enabled() {
		if err := c.S3.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) SnapshotDBPath() string {
	return filepath.Join(c.StateDir, "snapshots.db")
}

func (c *Config) LockDir() string {
	return filepath.Join(c.StateDir, "locks")
}

func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

func (c *Config) BackupDir() string {
	return filepath.Join(c.StateDir, "backups")
}

// IgnoreFile is an optional gitignore style file with extra junk rules.
func (c *Config) IgnoreFile() string {
	return filepath.Join(c.GameDir, ".modsyncignore")
}
