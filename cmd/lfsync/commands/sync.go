package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/locutus/lfsync/pkg/config"
	"github.com/locutus/lfsync/pkg/engine"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/telemetry"
)

// errNotActive is returned when the connected device was not activated.
var errNotActive = errors.New("device is not active")

func newSyncCommand() *cobra.Command {
	var (
		watch  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the device with the menu layout",
		Long: `Bring the device's file system in line with the menu layout.

A sync:
  - Connects to the device and applies the activation policy
  - Reads the dirty flags and a snapshot of the device tree
  - Plans the smallest set of create, delete, move and replace operations
  - Transcodes new ROMs to LUIGI containers, reusing cached ones
  - Applies the plan under the update flag and verifies the result

With --watch the layout and its ROM directory are watched and every change
triggers another sync.`,
		Example: `  # Sync once
  lfsync sync

  # Show what would change without writing to the device
  lfsync sync --dry-run

  # Keep the device in sync while editing the layout
  lfsync sync --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, buildVersion)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx = rt.tel.WithContext(ctx)

			dev, err := rt.connect(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			active, err := rt.activate(ctx, dev.info)
			if err != nil {
				return err
			}
			if !active {
				log.Warn().Str("device_id", dev.info.ID).Msg("Device is not active, nothing to do")
				return errNotActive
			}

			rec, err := rt.reconciler(dev, progressPrinter(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}

			parser := config.NewLayoutParser()
			if !watch {
				desired, _, err := parser.Load(ctx, rt.cfg.Menu.Layout)
				if err != nil {
					return err
				}
				return runSync(ctx, out, rec, desired, dryRun)
			}

			watcher := config.NewLayoutWatcher(rt.cfg.Menu.Layout, parser, rt.cfg.Menu.Debounce, rt.logger)
			updates, err := watcher.Watch(ctx)
			if err != nil {
				return err
			}
			log.Info().Str("layout", rt.cfg.Menu.Layout).Msg("Watching layout, press Ctrl+C to stop")
			for u := range updates {
				if u.Err != nil {
					log.Error().Err(u.Err).Msg("Layout rejected, device left unchanged")
					continue
				}
				warnUnpublished(rt.logger, telemetry.EventTypeLayoutChanged,
					rt.tel.Events.PublishLayoutChanged(rt.cfg.Menu.Layout))
				if err := runSync(ctx, out, rec, u.Model, dryRun); err != nil {
					if ctx.Err() != nil {
						break
					}
					log.Error().Err(err).Msg("Sync failed, waiting for the next change")
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "watch the layout and sync on change")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and simulate without writing to the device")
	return cmd
}

func runSync(ctx context.Context, out io.Writer, rec *engine.Reconciler, desired *lfs.Model, dryRun bool) error {
	if dryRun {
		plan, report, err := rec.Plan(ctx, desired)
		if err != nil {
			if report != nil && !jsonOutput {
				printReport(out, report)
			}
			return err
		}
		if jsonOutput {
			return printJSON(out, struct {
				Plan   *engine.Plan   `json:"plan"`
				Report *engine.Report `json:"report"`
			}{plan, report})
		}
		printPlan(out, plan)
		return nil
	}

	report, err := rec.Reconcile(ctx, desired)
	if report != nil {
		if jsonOutput {
			if perr := printJSON(out, report); perr != nil {
				return perr
			}
		} else {
			printReport(out, report)
		}
	}
	if err != nil {
		return err
	}
	if !report.Outcome.IsSuccess() {
		return fmt.Errorf("session %s ended %s", report.SessionID, report.Outcome)
	}
	return nil
}

// progressPrinter writes progress to w, normally stderr, so JSON output on
// stdout stays clean.
func progressPrinter(w io.Writer) engine.ProgressFunc {
	return func(p engine.Progress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "[%s] %d/%d %s\n", p.Stage, p.Done, p.Total, p.Message)
			return
		}
		fmt.Fprintf(w, "[%s] %s\n", p.Stage, p.Message)
	}
}
