package main

import (
	"fmt"
	"strconv"

	"github.com/entrhq/fleet/pkg/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change worker settings",
	}

	cmd.AddCommand(
		newConfigGetCmd(appFn, outputFn),
		newConfigSetCmd(appFn, outputFn),
	)

	return cmd
}

func printConfig(out *output, cfg config.WorkerConfig) {
	out.Print(
		[]string{"DELAY_START", "DELAY_END", "QUEUE_SIZE", "TABLE", "LINKED", "NOTE"},
		[][]string{{
			itoa(cfg.DelayRandomStart),
			itoa(cfg.DelayRandomEnd),
			itoa(cfg.QueueSize),
			strconv.FormatBool(cfg.IsTableExist),
			strconv.FormatBool(cfg.QRLoggedIn),
			cfg.Note,
		}},
		cfg,
	)
}

func newConfigGetCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show a worker's settings",
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

			cfg, err := a.sup.GetConfig(id)
			if err != nil {
				return err
			}
			if cfg.QueueSize, err = a.sup.QueueSize(id); err != nil {
				return err
			}
			printConfig(outputFn(), cfg)
			return nil
		},
	}
}

func newConfigSetCmd(appFn appFactory, outputFn func() *output) *cobra.Command {
	var (
		delayStart int
		delayEnd   int
		note       string
		qrLoggedIn bool
	)

	cmd := &cobra.Command{
		Use:   "set ID",
		Short: "Change a worker's settings",
		Long:  "Change a worker's settings. Only flags that are given are written; a running worker picks up new delays before its next row.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			var patch config.Patch
			if cmd.Flags().Changed("delay-start") {
				patch.DelayRandomStart = config.Int(delayStart)
			}
			if cmd.Flags().Changed("delay-end") {
				patch.DelayRandomEnd = config.Int(delayEnd)
			}
			if cmd.Flags().Changed("note") {
				patch.Note = config.String(note)
			}
			if cmd.Flags().Changed("qr-logged-in") {
				patch.QRLoggedIn = config.Bool(qrLoggedIn)
			}
			if patch == (config.Patch{}) {
				return fmt.Errorf("nothing to change, pass at least one flag")
			}

			a, err := appFn()
			if err != nil {
				return err
			}
			defer a.closeStores()

			cfg, err := a.sup.UpdateConfig(id, patch)
			if err != nil {
				return err
			}
			printConfig(outputFn(), cfg)
			return nil
		},
	}

	cmd.Flags().IntVar(&delayStart, "delay-start", 0, "Lower bound of the delay between rows, in minutes")
	cmd.Flags().IntVar(&delayEnd, "delay-end", 0, "Upper bound of the delay between rows, in minutes")
	cmd.Flags().StringVar(&note, "note", "", "Free-form operator note")
	cmd.Flags().BoolVar(&qrLoggedIn, "qr-logged-in", false, "Override the recorded link state")
	return cmd
}
