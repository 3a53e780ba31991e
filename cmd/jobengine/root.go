package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	debugFlag  bool
	jsonLogs   bool
)

var rootCmd = &cobra.Command{
	Use:          "jobengine",
	Short:        "Dynamic job scheduling and execution engine",
	Long:         "jobengine runs template-based operational jobs on interval or cron schedules,\nwith retries, timeouts, per-run audit records and an admin HTTP API.",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("jobengine", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ./jobengine.toml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log JSON instead of console output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
