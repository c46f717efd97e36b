package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/mcp"
	"github.com/Aman-CERP/freshness/internal/telemetry"
	"github.com/Aman-CERP/freshness/internal/workspace"
	"github.com/Aman-CERP/freshness/pkg/version"
)

func newServeCmd() *cobra.Command {
	var (
		transport string
		noWatch   bool
	)

	cmd := &cobra.Command{
		Use:   "serve [path]",
		Short: "Serve freshness tools over MCP",
		Long: `Start an MCP server for AI assistants. The workspace is watched while
the server runs unless --no-watch is given.

stdout carries the MCP protocol only; logs go to ~/.freshness/logs/.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args, transport, !noWatch)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "MCP transport (stdio)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Serve without watching the workspace")

	return cmd
}

func runServe(cmd *cobra.Command, args []string, transport string, watch bool) error {
	root, err := resolveRoot(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	// stdout belongs to the MCP transport.
	if cfg.Telemetry.TraceExporter == "stdout" && cfg.Telemetry.TraceFile == "" {
		cfg.Telemetry.TraceExporter = "none"
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
		_ = shutdownTelemetry(sctx)
	}()

	coord, err := workspace.New(ctx, root, workspace.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := coord.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to close workspace", slog.String("error", err.Error()))
		}
	}()

	if watch {
		if err := coord.WatchStart(ctx); err != nil {
			return err
		}
	}

	srv, err := mcp.NewServer(coord, logger)
	if err != nil {
		return err
	}
	if err := srv.Serve(ctx, transport); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
