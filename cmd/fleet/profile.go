package main

import (
	"fmt"

	"github.com/entrhq/fleet/pkg/types"
	"github.com/spf13/cobra"
)

func newProfileCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage worker profiles",
	}

	cmd.AddCommand(
		newProfileCreateCmd(appFn, outputFn),
		newProfileDeleteCmd(appFn, outputFn),
		newProfileClearCmd(appFn, outputFn),
		newProfileListCmd(appFn, outputFn),
	)

	return cmd
}

func newProfileCreateCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	return &cobra.Command{
		Use:   "create [ID]",
		Short: "Create a worker profile (next free id when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFn()
			if err != nil {
				return err
			}
			defer a.closeStores()

			var id types.WorkerID
			if len(args) == 1 {
				if id, err = parseID(args[0]); err != nil {
					return err
				}
			}

			created, err := a.sup.CreateProfile(id)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Profile %s created", created.Name()))
			out.Print([]string{"ID", "NAME"}, [][]string{{created.String(), created.Name()}},
				map[string]any{"id": int(created), "name": created.Name()})
			return nil
		},
	}
}

func newProfileDeleteCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a worker profile with its queue, config and log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := appFn()
			if err != nil {
				return err
			}
			defer a.closeStores()

			if err := a.guardOffline(id, force); err != nil {
				return err
			}
			if err := a.sup.DeleteProfile(id); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Profile %s deleted", id.Name()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Delete even if the log says the worker is active")
	return cmd
}

func newProfileClearCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "clear ID",
		Short: "Empty a worker's queue, counters and log, keeping the linked device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := appFn()
			if err != nil {
				return err
			}
			defer a.closeStores()

			if err := a.guardOffline(id, force); err != nil {
				return err
			}
			if err := a.sup.ClearProfile(id); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Profile %s cleared", id.Name()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Clear even if the log says the worker is active")
	return cmd
}

func newProfileListCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List worker profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFn()
			if err != nil {
				return err
			}
			defer a.closeStores()

			profiles, err := a.sup.ListProfiles()
			if err != nil {
				return err
			}

			rows := make([][]string, len(profiles))
			for i, p := range profiles {
				rows[i] = []string{p.ID.String(), p.Name, p.Status, itoa(p.Pending)}
			}
			outputFn().Print([]string{"ID", "NAME", "STATUS", "PENDING"}, rows, profiles)
			return nil
		},
	}
}
