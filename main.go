package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-calendar/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "prism-calendar",
		Short:         "Calendar task planner backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initStorageCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
}
