package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/daemon"
	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/output"
	"github.com/Aman-CERP/freshness/internal/ui"
	"github.com/Aman-CERP/freshness/internal/workspace"
)

// statusReport is the JSON shape of 'freshness status --json'.
type statusReport struct {
	Root      string          `json:"root"`
	Watched   bool            `json:"watched"`
	DaemonPID int             `json:"daemon_pid,omitempty"`
	Health    health.Snapshot `json:"health"`
}

func newStatusCmd() *cobra.Command {
	var (
		jsonOutput bool
		follow     bool
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status [path]",
		Short: "Show how fresh a workspace index is",
		Long: `Report liveness, backlog, staleness window and active defeaters for a
workspace. When the daemon is running it answers; otherwise the status is
read from the fingerprint store without touching it.

--follow opens a live dashboard that refreshes every --interval.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}
			if follow {
				return ui.RunDashboard(cmd.Context(), ui.DashboardConfig{
					Root:     root,
					Output:   cmd.OutOrStdout(),
					Interval: interval,
					Fetch: func(context.Context) (health.Snapshot, error) {
						report, err := collectStatus(cmd, root)
						return report.Health, err
					},
				})
			}
			report, err := collectStatus(cmd, root)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(report)
			}
			out.Snapshot(report.Root, report.Health)
			out.Newline()
			if report.Watched {
				out.Statusf("", "Watched by daemon (pid: %d)", report.DaemonPID)
			} else {
				out.Status("", "Not watched. Run 'freshness watch' to keep it fresh.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Show a live dashboard")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Refresh interval for --follow")
	cmd.MarkFlagsMutuallyExclusive("json", "follow")

	return cmd
}

func collectStatus(cmd *cobra.Command, root string) (statusReport, error) {
	ctx := cmd.Context()
	report := statusReport{Root: root}

	client := daemon.NewClient(daemonConfig())
	if client.IsRunning() {
		res, err := client.Status(ctx, root)
		if err != nil {
			return report, err
		}
		report.Watched = true
		report.DaemonPID = res.PID
		if res.Workspace != nil {
			report.Health = *res.Workspace
		}
		return report, nil
	}

	cfg, err := config.Load(root)
	if err != nil {
		return report, err
	}
	snap, err := workspace.ColdStatus(ctx, root, cfg, time.Now())
	if err != nil {
		return report, err
	}
	report.Health = snap
	return report, nil
}
