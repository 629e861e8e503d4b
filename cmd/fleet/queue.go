package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newQueueCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage worker queues",
	}

	cmd.AddCommand(
		newQueueUploadCmd(appFn, outputFn),
		newQueuePendingCmd(appFn, outputFn),
	)

	return cmd
}

func newQueueUploadCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	return &cobra.Command{
		Use:   "upload ID FILE",
		Short: "Replace a worker's queue with a .csv or .xlsx table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			f, err := os.Open(args[1])
			if err != nil {
				return fmt.Errorf("failed to open queue file: %w", err)
			}
			defer f.Close()

			a, err := appFn()
			if err != nil {
				return err
			}
			defer a.closeStores()

			pending, err := a.sup.UploadQueue(id, f, filepath.Base(args[1]))
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Queue for %s uploaded, %d pending rows", id.Name(), pending))
			return nil
		},
	}
}

func newQueuePendingCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [ID...]",
		Short: "Show pending row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			a, err := appFn()
			if err != nil {
				return err
			}
			defer a.closeStores()

			if len(ids) == 0 {
				profiles, err := a.sup.ListProfiles()
				if err != nil {
					return err
				}
				for _, p := range profiles {
					ids = append(ids, p.ID)
				}
			}

			type pendingRow struct {
				ID      int    `json:"id"`
				Name    string `json:"name"`
				Pending int    `json:"pending"`
			}
			var rows [][]string
			var data []pendingRow
			for _, id := range ids {
				pending, err := a.queue.PendingCount(id)
				if err != nil {
					return err
				}
				rows = append(rows, []string{id.Name(), itoa(pending)})
				data = append(data, pendingRow{ID: int(id), Name: id.Name(), Pending: pending})
			}
			outputFn().Print([]string{"WORKER", "PENDING"}, rows, data)
			return nil
		},
	}
}
