// Package cmd provides the CLI commands for freshness.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/freshness/internal/config"
	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/logging"
	"github.com/Aman-CERP/freshness/internal/profiling"
	"github.com/Aman-CERP/freshness/pkg/version"
)

// Global flags
var (
	debugMode      bool
	socketPath     string
	loggingCleanup func()

	profileOpts profiling.Options
	profiler    *profiling.Session
)

// NewRootCmd creates the root command for the freshness CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "freshness",
		Short: "Keep a code index fresh and say how much to trust it",
		Long: `freshness watches a workspace, reconciles changed files into a
fingerprint store, decays confidence in derived artifacts over time, and
reports whether the index can still be trusted.

Run 'freshness watch' in your project to start the watcher, then use
'freshness status' to see how fresh the index is.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("freshness version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to stderr and ~/.freshness/logs/")
	cmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Daemon socket path (default ~/.freshness/daemon.sock)")

	cmd.PersistentFlags().StringVar(&profileOpts.CPUFile, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileOpts.HeapFile, "profile-mem", "", "Write heap profile to file on exit")
	cmd.PersistentFlags().StringVar(&profileOpts.TraceFile, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startLoggingAndProfiling
	cmd.PersistentPostRunE = stopLoggingAndProfiling

	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newReconcileCmd())
	cmd.AddCommand(newDefeatersCmd())
	cmd.AddCommand(newContradictCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startLoggingAndProfiling installs the process logger and starts any
// requested profiles. serve keeps stdout and stderr clean for the MCP
// transport unless --debug is set.
func startLoggingAndProfiling(cmd *cobra.Command, _ []string) error {
	var cfg logging.Config
	switch {
	case debugMode:
		cfg = logging.DebugConfig()
	case cmd.Name() == "serve":
		cfg = logging.StdioSafeConfig("info")
	default:
		cfg = logging.DefaultConfig()
	}

	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	if debugMode {
		slog.Debug("Debug logging enabled",
			slog.String("log_file", cfg.FilePath),
			slog.String("version", version.Version))
	}

	if profileOpts.Enabled() {
		profiler, err = profiling.Start(profileOpts)
		if err != nil {
			return err
		}
	}
	return nil
}

func stopLoggingAndProfiling(_ *cobra.Command, _ []string) error {
	var err error
	if profiler != nil {
		err = profiler.Stop()
		profiler = nil
	}
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return err
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	err := cmd.Execute()
	if err != nil {
		fmt.Fprint(cmd.ErrOrStderr(), engerrors.FormatForCLI(err))
	}
	return err
}

// resolveRoot returns the workspace root for an optional path argument.
func resolveRoot(args []string) (string, error) {
	start := "."
	if len(args) > 0 {
		start = args[0]
	}
	root, err := config.FindProjectRoot(start)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return "", engerrors.New(engerrors.ErrCodeInvalidPath, "workspace root is not a directory", err).
			WithDetail("root", root)
	}
	return root, nil
}
