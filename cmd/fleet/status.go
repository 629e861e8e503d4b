package main

import (
	"strconv"

	"github.com/entrhq/fleet/pkg/types"
	"github.com/spf13/cobra"
)

func newStatusCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	return &cobra.Command{
		Use:   "status [ID]",
		Short: "Show worker status derived from the aggregate log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFn()
			if err != nil {
				return err
			}
			defer a.closeStores()

			var ids []types.WorkerID
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				if _, err := a.sup.Status(id); err != nil {
					return err
				}
				ids = append(ids, id)
			} else {
				profiles, err := a.sup.ListProfiles()
				if err != nil {
					return err
				}
				for _, p := range profiles {
					ids = append(ids, p.ID)
				}
			}

			type statusRow struct {
				ID      int    `json:"id"`
				Name    string `json:"name"`
				Status  string `json:"status"`
				Active  bool   `json:"active"`
				Pending int    `json:"pending"`
			}
			var rows [][]string
			var data []statusRow
			for _, id := range ids {
				word := a.bus.Status(id)
				active := types.WorkerState(word).Active()
				pending, _ := a.queue.PendingCount(id)
				rows = append(rows, []string{id.Name(), word, strconv.FormatBool(active), itoa(pending)})
				data = append(data, statusRow{ID: int(id), Name: id.Name(), Status: word, Active: active, Pending: pending})
			}
			outputFn().Print([]string{"WORKER", "STATUS", "ACTIVE", "PENDING"}, rows, data)
			return nil
		},
	}
}
