package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/daemon"
	"github.com/Aman-CERP/freshness/internal/output"
	"github.com/Aman-CERP/freshness/internal/telemetry"
	"github.com/Aman-CERP/freshness/internal/workspace"
	"github.com/Aman-CERP/freshness/pkg/version"
)

func newWatchCmd() *cobra.Command {
	var skipCheck bool

	cmd := &cobra.Command{
		Use:   "watch [path...]",
		Short: "Run the freshness daemon in the foreground",
		Long: `Start the daemon, watch the given workspaces (default: the current
project) and serve status and reconcile requests on the daemon socket.

Other workspaces are opened and watched the first time a client asks
about them. Stop with Ctrl+C or 'freshness stop'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args, skipCheck)
		},
	}

	cmd.Flags().BoolVar(&skipCheck, "skip-check", false, "Skip preflight checks")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string, skipCheck bool) error {
	out := output.New(cmd.OutOrStdout())

	paths := args
	if len(paths) == 0 {
		paths = []string{"."}
	}
	roots := make([]string, 0, len(paths))
	for _, p := range paths {
		root, err := resolveRoot([]string{p})
		if err != nil {
			return err
		}
		roots = append(roots, root)
	}

	cfg, err := config.Load(roots[0])
	if err != nil {
		return err
	}
	if !skipCheck {
		for _, root := range roots {
			rootCfg := cfg
			if root != roots[0] {
				if rootCfg, err = config.Load(root); err != nil {
					return err
				}
			}
			if err := preflightWatch(cmd, root, rootCfg); err != nil {
				return err
			}
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version.Version, logger)
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	dcfg := daemonConfig()
	if daemon.NewClient(dcfg).IsRunning() {
		return fmt.Errorf("daemon already running on %s", dcfg.SocketPath)
	}

	registry := workspace.NewRegistry(workspace.Options{Logger: logger})
	d, err := daemon.NewDaemon(dcfg, registry, logger)
	if err != nil {
		return err
	}

	for _, root := range roots {
		out.Statusf("", "Watching %s", root)
	}
	out.Statusf("", "Listening on %s", dcfg.SocketPath)

	if err := d.Run(ctx, roots...); err != nil {
		return err
	}
	out.Success("Daemon stopped")
	return nil
}
