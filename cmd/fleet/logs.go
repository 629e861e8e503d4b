package main

import (
	"fmt"

	"github.com/entrhq/fleet/pkg/types"
	"github.com/spf13/cobra"
)

func newLogsCmd(appFn appFactory) *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs ID|main",
		Short: "Print the last lines of a worker log or of the aggregate log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id types.WorkerID
			if args[0] != "main" {
				parsed, err := parseID(args[0])
				if err != nil {
					return err
				}
				id = parsed
			}

			a, err := appFn()
			if err != nil {
				return err
			}
			defer a.closeStores()

			tail, err := a.logs.Tail(id, lines)
			if err != nil {
				return err
			}
			for _, line := range tail {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to print")
	return cmd
}

func newCloseAllCmd(appFn appFactory) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "close-all",
		Short: "Kill stray renderer processes and remove profile lock files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFn()
			if err != nil {
				return err
			}

			profiles, err := a.sup.ListProfiles()
			if err != nil {
				a.closeStores()
				return err
			}
			for _, p := range profiles {
				if err := a.guardOffline(p.ID, force); err != nil {
					a.closeStores()
					return err
				}
				// Register the id so the sweep also kills its renderers.
				if _, err := a.sup.Status(p.ID); err != nil {
					a.closeStores()
					return err
				}
			}

			a.shutdown()
			fmt.Fprintln(cmd.ErrOrStderr(), "All workers cleaned")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Clean up even if the log says a worker is active")
	return cmd
}
