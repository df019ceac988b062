package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cmdVersion)
}

var cmdVersion = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "procwatch %s (commit: %s, built: %s, %s/%s)\n",
			Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
	},
}
