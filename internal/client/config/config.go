package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boardsync/boardsync/internal/utils"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigPath  = filepath.Join(home, ".boardsync", "config.json")
	DefaultLogFilePath = filepath.Join(home, ".boardsync", "logs", "boardsync.log")
)

const (
	DefaultMainFile     = "main.py"
	DefaultSettleWindow = 300 * time.Millisecond
	DefaultMaxRetries   = 4

	minSettleWindow = 50 * time.Millisecond
	maxSettleWindow = 5 * time.Second
)

// ErrInvalid marks configuration errors. They are fatal at startup, before
// any watching begins.
var ErrInvalid = errors.New("invalid config")

// Config is the immutable process configuration. The core never re-reads it
// at runtime.
type Config struct {
	WatchDir     string        `json:"watch_dir"`
	MountDir     string        `json:"mount_dir"`
	SerialPort   string        `json:"serial_port"`
	MainFile     string        `json:"main_file"`
	SettleWindow time.Duration `json:"settle_window"`
	MaxRetries   int           `json:"max_retries"`
	Reboot       bool          `json:"reboot"`
	Verbose      bool          `json:"-"`
	Path         string        `json:"-"`
}

func (c *Config) Validate() error {
	watchDir, err := utils.ResolvePath(c.WatchDir)
	if err != nil {
		return fmt.Errorf("%w: watch dir: %w", ErrInvalid, err)
	}
	if !utils.DirExists(watchDir) {
		return fmt.Errorf("%w: watch dir does not exist: %s", ErrInvalid, watchDir)
	}
	c.WatchDir = watchDir

	if c.MountDir == "" {
		return fmt.Errorf("%w: mount dir is required", ErrInvalid)
	}
	mountDir, err := utils.ResolvePath(c.MountDir)
	if err != nil {
		return fmt.Errorf("%w: mount dir: %w", ErrInvalid, err)
	}
	c.MountDir = mountDir

	if c.Reboot && c.SerialPort == "" {
		return fmt.Errorf("%w: serial port must be set when reboot is enabled", ErrInvalid)
	}

	if c.MainFile == "" {
		c.MainFile = DefaultMainFile
	}

	if c.SettleWindow == 0 {
		c.SettleWindow = DefaultSettleWindow
	}
	if c.SettleWindow < minSettleWindow || c.SettleWindow > maxSettleWindow {
		return fmt.Errorf("%w: settle window %s out of range [%s, %s]", ErrInvalid, c.SettleWindow, minSettleWindow, maxSettleWindow)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalid)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}

	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	return &cfg, nil
}
