package commands

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/locutus/lfsync/pkg/diag"
)

func newClassifyCommand() *cobra.Command {
	var (
		origin string
		list   bool
	)

	cmd := &cobra.Command{
		Use:   "classify [code]",
		Short: "Describe a device error code",
		Long: `Describe an error code reported by the device. Codes are scoped to the
subsystem that raised them: ftl, lfs, spi or luigi.`,
		Example: `  # Describe an lfs error
  lfsync classify --origin lfs 0x01

  # List every known code
  lfsync classify --list`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var descs []diag.Descriptor
			switch {
			case list:
				for _, d := range diag.Known() {
					if origin == "" || d.Origin == diag.ParseOrigin(origin) {
						descs = append(descs, d)
					}
				}
			case len(args) == 1:
				code, err := strconv.ParseUint(args[0], 0, 16)
				if err != nil {
					return fmt.Errorf("invalid error code %q: %w", args[0], err)
				}
				descs = append(descs, diag.Classify(diag.ParseOrigin(origin), uint16(code)))
			default:
				return fmt.Errorf("an error code or --list is required")
			}

			if jsonOutput {
				return printJSON(out, descs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ORIGIN\tCODE\tNAME\tSEVERITY\tTRANSIENT\tDESCRIPTION")
			for _, d := range descs {
				fmt.Fprintf(tw, "%s\t%#04x\t%s\t%s\t%v\t%s\n", d.Origin, d.Code, d.Name, d.Severity, d.Transient, d.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&origin, "origin", "", "subsystem that reported the code (ftl, lfs, spi, luigi)")
	cmd.Flags().BoolVar(&list, "list", false, "list known codes")
	return cmd
}
