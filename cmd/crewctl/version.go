package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildVersion is overridden at build time via -ldflags.
var buildVersion = "dev"

// Version returns the current build version.
func Version() string {
	return buildVersion
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crewctl version %s\n", Version())
	},
}
