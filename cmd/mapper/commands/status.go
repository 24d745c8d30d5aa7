package commands

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/navid-fn/coinmap/internal/mapping"
)

func newStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint progress and mapping statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()

			if store := app.checkpointStore(); store == nil {
				fmt.Fprintln(w, "Checkpointing disabled")
			} else {
				rec, err := store.Load()
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Fprintln(w, "No checkpoint")
				} else {
					fmt.Fprintf(w, "Checkpoint %s: %d/%d coins (%.1f%%), last saved %s\n",
						rec.Status, rec.ProcessedCoins, rec.TotalCoins, rec.Progress()*100,
						rec.LastCheckpointTime.Format(time.RFC3339))
					if err := store.Validate(rec); err != nil {
						fmt.Fprintf(w, "  not resumable: %v\n", err)
					}
				}
			}

			summary := mapping.Stats(app.cacheWriter().LoadExisting())
			fmt.Fprintf(w, "Mapping entries: %d\n", summary.Total)

			targets := make([]string, 0, len(summary.ByTarget))
			for target := range summary.ByTarget {
				targets = append(targets, target)
			}
			slices.Sort(targets)
			for _, target := range targets {
				fmt.Fprintf(w, "  %s: %d\n", target, summary.ByTarget[target])
			}
			return nil
		},
	}
}
