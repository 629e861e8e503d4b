// Package main provides the fleet command, which operates a fleet of
// browser workers that add contacts to chat groups from per-worker queues.
//
// Usage:
//
//	fleet [--config FILE] [--data-dir DIR] [--json] <command> [flags]
//
// Commands:
//
//	serve      Link and run workers until interrupted
//	profile    Create, delete, clear and list worker profiles
//	queue      Upload a queue table or show pending counts
//	config     Read or change a worker's settings
//	status     Show worker status derived from the aggregate log
//	logs       Print the tail of a worker log
//	close-all  Kill stray renderers and remove profile locks
package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

// version is set with ldflags at build time
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
		jsonOutput bool
	)

	rootCmd := &cobra.Command{
		Use:           "fleet",
		Short:         "Fleet - worker orchestration for group add-member automation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("FLEET_CONFIG"), "Path to YAML settings file (or set FLEET_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	appFn := func(opts ...appOption) (*app, error) { return newApp(configPath, dataDir, opts...) }
	outputFn := func() *output { return newOutput(jsonOutput, rootCmd.OutOrStdout(), rootCmd.ErrOrStderr()) }

	rootCmd.AddCommand(
		newServeCmd(appFn),
		newProfileCmd(appFn, outputFn),
		newQueueCmd(appFn, outputFn),
		newConfigCmd(appFn, outputFn),
		newStatusCmd(appFn, outputFn),
		newLogsCmd(appFn),
		newCloseAllCmd(appFn),
	)

	return rootCmd
}
