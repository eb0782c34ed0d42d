package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDevicesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List and manage known devices",
		Long: `List the devices lfsync has seen. Only the active device is synced; the
activation policy decides whether a newly connected device becomes active.`,
		Example: `  # List devices
  lfsync devices

  # Make another device the active one
  lfsync devices activate LTO-0002

  # Forget a device
  lfsync devices forget LTO-0001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			devices, err := store.ListDevices(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, devices)
			}
			if len(devices) == 0 {
				fmt.Fprintln(out, "No devices seen yet.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSERIAL\tFIRMWARE\tACTIVE\tLAST SEEN\tCAPABILITIES")
			for _, d := range devices {
				active := ""
				if d.Active {
					active = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.Serial, d.Firmware, active, d.LastSeen.Local().Format(time.DateTime), strings.Join(d.Capabilities, ","))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(newDeviceActionCommand("activate", "Make a device the only active device"))
	cmd.AddCommand(newDeviceActionCommand("deactivate", "Stop syncing a device"))
	cmd.AddCommand(newDeviceActionCommand("forget", "Remove a device from the registry"))
	return cmd
}

func newDeviceActionCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " DEVICE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			id := args[0]
			switch action {
			case "activate":
				err = store.ActivateDevice(ctx, id)
			case "deactivate":
				err = store.SetActive(ctx, id, false)
			case "forget":
				err = store.DeleteDevice(ctx, id)
			}
			if err != nil {
				return err
			}
			log.Info().Str("device_id", id).Str("action", action).Msg("Device updated")
			return nil
		},
	}
}
