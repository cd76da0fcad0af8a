// Package daemon wires the acpd subsystems together and runs them until
// shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inercia/acpd/internal/config"
	"github.com/inercia/acpd/internal/logging"
	"github.com/inercia/acpd/internal/manager"
	"github.com/inercia/acpd/internal/wal"
)

// Daemon composes the WAL store, the session manager, the compactor, and
// the config watcher. Construction opens the store and applies migrations;
// Run blocks until the context is cancelled and then shuts everything down
// in dependency order.
type Daemon struct {
	cfgPath string
	logger  *slog.Logger

	store     *wal.Store
	manager   *manager.Manager
	compactor *wal.Compactor
	watcher   *config.Watcher
}

// New builds a daemon from a loaded configuration. cfgPath may be empty,
// which disables configuration hot reload.
func New(cfgPath string, cfg *config.Config) (*Daemon, error) {
	log := logging.Daemon()

	store, err := wal.Open(cfg.WAL.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal store: %w", err)
	}

	mgr, err := manager.New(cfg, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	compactor := wal.NewCompactor(store, wal.CompactorConfig{
		RetentionDays:       cfg.Compaction.AckedEventRetentionDays,
		KeepLatestRevisions: cfg.Compaction.KeepLatestRevisionsCount,
		MinEventsToKeep:     cfg.Compaction.MinEventsToKeep,
		RunOnStartup:        cfg.Compaction.RunOnStartup,
		Interval:            cfg.Compaction.Interval(),
	})

	d := &Daemon{
		cfgPath:   cfgPath,
		logger:    log,
		store:     store,
		manager:   mgr,
		compactor: compactor,
	}

	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, mgr.UpdateConfig, log)
		if err != nil {
			// Hot reload is a convenience; a watch failure must not stop
			// the daemon.
			log.Warn("config watcher unavailable", "error", err)
		} else {
			d.watcher = watcher
		}
	}

	return d, nil
}

// Manager exposes the session manager for embedding callers.
func (d *Daemon) Manager() *manager.Manager {
	return d.manager
}

// Run starts the background work and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon starting", "config", d.cfgPath)

	if d.watcher != nil {
		d.watcher.Start()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.compactor.Run(ctx)
	}()

	<-ctx.Done()
	d.logger.Info("daemon shutting down")

	if d.watcher != nil {
		d.watcher.Close()
	}
	d.manager.Shutdown()
	wg.Wait()

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("failed to close wal store: %w", err)
	}
	d.logger.Info("daemon stopped")
	return nil
}
