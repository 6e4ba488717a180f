package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Coordinator for autonomous worker sessions",
	Long: `Drover coordinates autonomous worker sessions executing tasks on
behalf of a fixed roster of roles.

It decides when a queued task may be dispatched, launches exactly one
worker session per dispatch through an execution gateway, serializes the
spawn pipeline, and reconciles its session registry against the gateway's
reported state to recover from workers that vanish without reporting.

Start the coordinator with 'drover serve', enqueue work with 'drover add',
and inspect state with 'drover status'.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(versionCmd)
}
