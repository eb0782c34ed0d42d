package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/locutus/lfsync/pkg/engine"
	"github.com/locutus/lfsync/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		deviceID string
		outcome  string
		limit    int
		events   string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent sessions",
		Long: `List journaled sessions, newest first, or the event timeline of one
session with --events.`,
		Example: `  # Recent sessions
  lfsync status

  # Aborted sessions of one device
  lfsync status --device LTO-0001 --outcome aborted

  # Timeline of a session
  lfsync status --events 3f2c...`,
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

			if events != "" {
				evs, err := store.GetSessionEvents(ctx, events, nil, 0, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, evs)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tSTEP\tMESSAGE")
				for _, e := range evs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Step, e.Message)
				}
				return tw.Flush()
			}

			filter := stores.SessionFilter{DeviceID: deviceID, Limit: limit}
			if outcome != "" {
				filter.Outcome = engine.Outcome(outcome)
				if err := filter.Outcome.Validate(); err != nil {
					return err
				}
			}
			sessions, err := store.ListSessions(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tDEVICE\tSTARTED\tMODE\tOUTCOME\tAPPLIED\tSKIPPED")
			for _, s := range sessions {
				result := s.Outcome
				switch {
				case s.DryRun:
					result = "dry run"
				case result == "":
					result = s.State
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\n",
					s.ID, s.DeviceID, s.StartedAt.Local().Format(time.DateTime), s.Mode, result, s.Applied, s.Planned, s.Skipped)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&deviceID, "device", "", "only sessions of this device")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only sessions with this outcome")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	cmd.Flags().StringVar(&events, "events", "", "show the event timeline of a session")
	return cmd
}
