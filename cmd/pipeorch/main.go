package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pipeorch",
	Short: "Schedule pipeline runs from manifests and an API",
	Long: `pipeorch keeps scheduled pipeline jobs in SQLite, reconciles them against
the pipeline manifests on disk and submits due runs to the execution backend.

Examples:
  pipeorch serve --config ./config.yaml     # run the scheduler
  pipeorch reconcile                        # sync manifest jobs once and exit
  pipeorch jobs list --pipeline etl         # show stored jobs and next fire times`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "./config.yaml", "path to config (json or yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}
