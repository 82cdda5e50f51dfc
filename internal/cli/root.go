package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "relay drives tracker tasks through coding-agent pipelines",
	Long: `relay picks up labelled tasks from the tracker and runs each one through
analysis, implementation, review and fixes with a coding agent, then follows
the pull request through its review/fix round-trips.

All local state is stored in ~/.relay/ (SQLite for events, queue and watches,
JSON for pipeline records unless store.driver is postgres).
Run "relay run" to start the poller and both watchers.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to relay config file (default ./relay.yaml or ~/.relay/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rerunCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(worktreeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
