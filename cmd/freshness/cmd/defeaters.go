package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/freshness/internal/daemon"
	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/output"
)

func newDefeatersCmd() *cobra.Command {
	var (
		jsonOutput bool
		activeOnly bool
		resolveID  string
		method     string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "defeaters [path]",
		Short: "List or resolve defeaters",
		Long: `List the defeaters recorded for a workspace. A defeater withdraws trust
from a derived artifact until it is resolved.

Resolve one with --resolve ID --method METHOD, where METHOD is
reverification, human_confirmation or cross_source_agreement.`,
		Example: `  freshness defeaters --active
  freshness defeaters --resolve 6f1c... --method human_confirmation --reason "checked by hand"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := resolveRoot(args)
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			ctx := cmd.Context()

			if resolveID != "" {
				params := daemon.ResolveDefeaterParams{Root: root, DefeaterID: resolveID, Method: method, Reason: reason}
				if err := params.Validate(); err != nil {
					return engerrors.ValidationError(err.Error(), nil)
				}
				b, closeFn, _ := connect(ctx)
				defer closeFn()
				d, err := b.ResolveDefeater(ctx, params)
				if err != nil {
					return err
				}
				if jsonOutput {
					return out.JSON(d)
				}
				out.Successf("Resolved defeater %s", d.ID)
				out.Defeater(d)
				return nil
			}

			b, closeFn, _ := connect(ctx)
			defer closeFn()
			ds, err := b.Defeaters(ctx, daemon.DefeatersParams{Root: root, ActiveOnly: activeOnly})
			if err != nil {
				return err
			}
			if jsonOutput {
				return out.JSON(ds)
			}
			out.Defeaters(ds)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list unresolved defeaters")
	cmd.Flags().StringVar(&resolveID, "resolve", "", "Resolve the defeater with this ID")
	cmd.Flags().StringVar(&method, "method", "", "Resolution method (with --resolve)")
	cmd.Flags().StringVar(&reason, "reason", "", "Resolution reason (with --resolve)")

	return cmd
}

func newContradictCmd() *cobra.Command {
	var (
		jsonOutput bool
		reason     string
		root       string
	)

	cmd := &cobra.Command{
		Use:   "contradict ARTIFACT_ID",
		Short: "Report that an artifact contradicts the source",
		Long: `Record a contradiction defeater against a derived artifact. The artifact
is invalidated and its confidence drops until the defeater is resolved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pathArgs []string
			if root != "" {
				pathArgs = []string{root}
			}
			wsRoot, err := resolveRoot(pathArgs)
			if err != nil {
				return err
			}
			params := daemon.ContradictionParams{Root: wsRoot, ArtifactID: args[0], Reason: reason}
			if err := params.Validate(); err != nil {
				return engerrors.ValidationError(err.Error(), nil)
			}

			ctx := cmd.Context()
			b, closeFn, _ := connect(ctx)
			defer closeFn()
			d, err := b.ReportContradiction(ctx, params)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			if jsonOutput {
				return out.JSON(d)
			}
			out.Warningf("Contradiction recorded for %s", d.TargetArtifactID)
			out.Defeater(d)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&reason, "reason", "", "What contradicts the artifact")
	cmd.Flags().StringVar(&root, "root", "", "Workspace root (default: current project)")

	return cmd
}
