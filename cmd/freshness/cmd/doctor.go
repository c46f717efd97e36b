package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/freshness/internal/config"
	"github.com/Aman-CERP/freshness/internal/output"
	"github.com/Aman-CERP/freshness/internal/preflight"
)

// doctorReport is the JSON shape of 'freshness doctor --json'.
type doctorReport struct {
	Root    string                  `json:"root"`
	Status  string                  `json:"status"`
	Results []preflight.CheckResult `json:"results"`
}

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "doctor [path]",
		Short: "Check that a workspace can be watched",
		Long: `Run the preflight checks: configuration, disk space, permissions,
file descriptor and inotify limits, git, and fingerprint store health.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}
			// A broken config is a finding, not a reason to skip the rest.
			cfg, loadErr := config.Load(root)
			if loadErr != nil {
				cfg = config.NewConfig()
			}

			checker := preflight.New(root, cfg, preflight.WithLogger(slog.Default()))
			results := checker.RunAll(cmd.Context())
			if loadErr != nil {
				for i := range results {
					if results[i].Name == "config" {
						results[i].Status = preflight.StatusFail
						results[i].Message = loadErr.Error()
					}
				}
			}
			report := doctorReport{Root: root, Status: checker.SummaryStatus(results), Results: results}

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				if err := out.JSON(report); err != nil {
					return err
				}
			} else {
				printChecks(out, report)
			}
			if checker.HasCriticalFailures(results) {
				return fmt.Errorf("preflight checks failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	return cmd
}

func printChecks(out *output.Writer, report doctorReport) {
	out.Header("System check for " + report.Root)
	for _, r := range report.Results {
		line := fmt.Sprintf("%s: %s", r.Name, r.Message)
		switch r.Status {
		case preflight.StatusPass:
			out.Success(line)
		case preflight.StatusWarn:
			out.Warning(line)
		default:
			out.Error(line)
		}
		if r.Details != "" && r.Status != preflight.StatusPass {
			out.Status("", r.Details)
		}
	}
	out.Newline()
	out.Field("status", strings.ToUpper(report.Status))
}

// preflightWatch runs the checks before the daemon takes a workspace and
// stops on critical failures.
func preflightWatch(cmd *cobra.Command, root string, cfg *config.Config) error {
	checker := preflight.New(root, cfg, preflight.WithLogger(slog.Default()))
	results := checker.RunAll(cmd.Context())
	if !checker.HasCriticalFailures(results) {
		for _, r := range results {
			if r.Status == preflight.StatusWarn {
				slog.Warn("preflight_warning",
					slog.String("root", root),
					slog.String("check", r.Name),
					slog.String("message", r.Message))
			}
		}
		return nil
	}
	printChecks(output.New(cmd.ErrOrStderr()), doctorReport{
		Root:    root,
		Status:  checker.SummaryStatus(results),
		Results: results,
	})
	return fmt.Errorf("preflight checks failed for %s (use --skip-check to start anyway)", root)
}
