package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCommand returns the mapper command tree bound to app.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mapper",
		Short: "Build and maintain the CoinGecko to Kraken mapping",
		Long: `mapper resolves CoinGecko coins to Kraken trading pairs.

A build checkpoints its progress and resumes after an interruption.

Commands:
  build     Run one mapping build
  status    Show checkpoint progress and mapping statistics
  reset     Remove the checkpoint
  watch     Rebuild daily at the configured hour`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newBuildCommand(app))
	rootCmd.AddCommand(newStatusCommand(app))
	rootCmd.AddCommand(newResetCommand(app))
	rootCmd.AddCommand(newWatchCommand(app))
	return rootCmd
}
