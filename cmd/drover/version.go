package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kmorrow/drover/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the drover version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("drover %s\n", version.Get())
	},
}
