package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/freshness/internal/daemon"
	"github.com/Aman-CERP/freshness/internal/output"
)

func newReconcileCmd() *cobra.Command {
	var (
		jsonOutput bool
		scope      []string
	)

	cmd := &cobra.Command{
		Use:   "reconcile [path]",
		Short: "Force a reconcile of a workspace",
		Long: `Hash-sweep the workspace (or only the --scope paths) and apply every
difference to the fingerprint store, invalidating what depended on it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, closeFn, _ := connect(ctx)
			defer closeFn()

			res, err := b.ForceReconcile(ctx, daemon.ForceReconcileParams{Root: root, Scope: scope})
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(res)
			}
			out.ReconcileResult(res)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the result as JSON")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "Limit the sweep to these workspace-relative paths")

	return cmd
}
