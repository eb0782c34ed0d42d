package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/locutus/lfsync/pkg/config"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the operations a sync would apply",
		Long: `Compute the plan that would bring the device in line with the menu layout,
without writing to the device.

The plan:
  - Reads a snapshot of the device tree
  - Diffs it against the layout, binding unchanged entities
  - Orders operations by their dependencies
  - Transcodes new ROMs, caching the containers for the next sync
  - Checks the result fits the device's capacity`,
		Example: `  # Print the plan
  lfsync plan

  # Save the plan and its dependency graph
  lfsync plan --out plan.json --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			log.Info().Str("out", outFile).Str("dot", dotFile).Msg("Generating plan")

			rt, err := openRuntime(ctx, buildVersion)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx = rt.tel.WithContext(ctx)

			desired, _, err := config.NewLayoutParser().Load(ctx, rt.cfg.Menu.Layout)
			if err != nil {
				return err
			}

			dev, err := rt.connect(ctx)
			if err != nil {
				return err
			}
			defer dev.Close()

			rec, err := rt.reconciler(dev, nil)
			if err != nil {
				return err
			}
			plan, report, err := rec.Plan(ctx, desired)
			if err != nil {
				if report != nil {
					printReport(cmd.ErrOrStderr(), report)
				}
				return err
			}

			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", outFile, err)
				}
				err = printJSON(f, plan)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return fmt.Errorf("failed to write plan: %w", err)
				}
			}
			if dotFile != "" {
				dot, err := plan.ToDOT()
				if err != nil {
					return err
				}
				if err := os.WriteFile(dotFile, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", dotFile, err)
				}
			}

			if jsonOutput {
				return printJSON(out, plan)
			}
			printPlan(out, plan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format")
	return cmd
}
