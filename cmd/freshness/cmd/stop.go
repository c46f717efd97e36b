package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/freshness/internal/daemon"
	"github.com/Aman-CERP/freshness/internal/output"
)

func newStopCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the freshness daemon",
		Long:  `Ask the daemon to flush pending changes and exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())
			client := daemon.NewClient(daemonConfig())

			if !client.IsRunning() {
				out.Status("", "Daemon is not running")
				return nil
			}
			if err := client.Stop(cmd.Context()); err != nil {
				return fmt.Errorf("failed to stop daemon: %w", err)
			}

			deadline := time.Now().Add(wait)
			for time.Now().Before(deadline) {
				if !client.IsRunning() {
					out.Success("Daemon stopped")
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("daemon still running after %s", wait)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "How long to wait for the daemon to exit")

	return cmd
}
