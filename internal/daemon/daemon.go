package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/freshness/internal/logging"
	"github.com/Aman-CERP/freshness/internal/workspace"
)

// Daemon watches workspaces and serves RPC requests until stopped.
type Daemon struct {
	cfg      Config
	registry *workspace.Registry
	server   *Server
	pidFile  *PIDFile
	logger   *slog.Logger
}

// NewDaemon creates a daemon over registry.
func NewDaemon(cfg Config, registry *workspace.Registry, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid daemon config: %w", err)
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	srv, err := NewServer(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	logger = logging.Component(logger, "daemon")
	srv.SetLogger(logger)
	srv.SetTimeout(cfg.Timeout)
	srv.SetHandler(NewRegistryHandler(registry, true))

	return &Daemon{
		cfg:      cfg,
		registry: registry,
		server:   srv,
		pidFile:  NewPIDFile(cfg.PIDPath),
		logger:   logger,
	}, nil
}

// Run opens and watches roots, then serves until ctx is cancelled or a
// client sends stop. On the way out every workspace flushes its pending
// changes within the shutdown grace period.
func (d *Daemon) Run(ctx context.Context, roots ...string) error {
	if err := d.cfg.EnsureDir(); err != nil {
		return err
	}
	if err := d.pidFile.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := d.pidFile.Remove(); err != nil {
			d.logger.Warn("pid_file_remove_failed", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.server.OnStop(cancel)

	for _, root := range roots {
		c, err := d.registry.Open(ctx, root)
		if err == nil {
			err = c.WatchStart(ctx)
		}
		if err != nil {
			d.shutdown()
			return err
		}
		d.logger.Info("workspace_watching", slog.String("root", c.Root()))
	}

	err := d.server.ListenAndServe(ctx)
	d.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGracePeriod)
	defer cancel()
	if err := d.registry.Close(ctx); err != nil {
		d.logger.Error("workspace_close_failed", slog.String("error", err.Error()))
		return
	}
	d.logger.Info("daemon_stopped")
}
