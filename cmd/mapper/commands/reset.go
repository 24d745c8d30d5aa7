package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Remove the checkpoint so the next build starts fresh",
		Long:  "Remove the checkpoint so the next build starts fresh. The mapping file is kept.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := app.checkpointStore()
			if store == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Checkpointing disabled, nothing to reset")
				return nil
			}
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed checkpoint %s\n", store.Path())
			return nil
		},
	}
}
