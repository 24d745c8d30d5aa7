package commands

import (
	"github.com/spf13/cobra"

	"github.com/navid-fn/coinmap/internal/interrupt"
)

func newBuildCommand(app *App) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run one mapping build, resuming a pending checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, stop := interrupt.Watch(app.Logger)
			defer stop()

			outcome, err := app.RunBuild(cmd.Context(), force, token)
			if outcome != nil {
				PrintSummary(cmd.OutOrStdout(), outcome)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "rebuild even when the mapping file is fresh")
	return cmd
}
