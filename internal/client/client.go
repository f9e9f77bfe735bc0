package client

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/boardsync/boardsync/internal/client/config"
	"github.com/boardsync/boardsync/internal/client/pathmap"
	"github.com/boardsync/boardsync/internal/client/sync"
	"github.com/boardsync/boardsync/internal/device"
	"github.com/boardsync/boardsync/internal/utils"
)

// Client wires the pipeline together and owns its lifecycle:
// watcher → coalescer → engine → device adapter.
type Client struct {
	config    *config.Config
	mapper    *pathmap.Mapper
	watcher   *sync.FileWatcher
	coalescer *sync.Coalescer
	engine    *sync.SyncEngine
	lock      *flock.Flock
}

func New(cfg *config.Config) (*Client, error) {
	mapper := pathmap.NewMapper(cfg.WatchDir, cfg.MainFile)

	var rebooter device.Rebooter = device.NopRebooter{}
	if cfg.Reboot {
		rebooter = device.NewSerialRebooter(cfg.SerialPort)
	}
	adapter := device.NewMountAdapter(cfg.MountDir, rebooter)

	watcher := sync.NewFileWatcher(cfg.WatchDir)
	// Drop excluded paths before they reach the coalescer
	watcher.FilterPaths(func(path string) bool {
		relPath, err := mapper.Rel(path)
		return err == nil && mapper.Excluded(relPath)
	})

	coalescer := sync.NewCoalescer(mapper, cfg.SettleWindow)
	engine := sync.NewSyncEngine(mapper, adapter, coalescer.Batches(), cfg.MaxRetries)

	return &Client{
		config:    cfg,
		mapper:    mapper,
		watcher:   watcher,
		coalescer: coalescer,
		engine:    engine,
		lock:      flock.New(lockPath(cfg)),
	}, nil
}

// Start runs until ctx is cancelled. The device link is single-client, so a
// file lock keyed on the mount guards against a second boardsync instance.
func (c *Client) Start(ctx context.Context) error {
	if err := utils.EnsureParent(c.lock.Path()); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	locked, err := c.lock.TryLock()
	if err != nil {
		return fmt.Errorf("device lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another boardsync instance is already syncing %s", c.config.MountDir)
	}
	defer c.lock.Unlock()

	slog.Info("boardsync client start",
		"watch", c.config.WatchDir,
		"mount", c.config.MountDir,
		"port", c.config.SerialPort,
		"reboot", c.config.Reboot,
	)

	// Initial full sync runs before the watcher so the batch pipeline never
	// races the startup diff on the device link.
	if err := c.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}

	if err := c.watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	c.coalescer.Start(ctx, c.watcher.Events())

	<-ctx.Done()
	slog.Info("received interrupt signal, stopping client")

	// Stop intake first; the engine finishes its in-flight batch and exits.
	c.watcher.Stop()
	c.coalescer.Stop()
	c.engine.Stop()

	slog.Info("boardsync client stop")
	return nil
}

func lockPath(cfg *config.Config) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, strings.TrimPrefix(cfg.MountDir, "/"))
	return filepath.Join(filepath.Dir(config.DefaultConfigPath), sanitized+".lock")
}
