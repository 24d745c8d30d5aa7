package main

import (
	"fmt"
	"os"

	"github.com/navid-fn/coinmap/cmd/mapper/commands"
	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/logger"
)

func main() {
	cfg := configs.AppLoad()
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	rootCmd := commands.NewRootCommand(commands.NewApp(cfg, log))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(commands.ExitCode(err))
	}
}
