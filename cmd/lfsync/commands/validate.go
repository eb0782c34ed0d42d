package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/locutus/lfsync/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var build bool

	cmd := &cobra.Command{
		Use:   "validate [layout]",
		Short: "Validate the configuration and menu layout",
		Long: `Validate lfsync.yaml and a CUE menu layout.

This command checks:
  - Configuration values
  - CUE syntax and the #Menu schema
  - Item names and ROM references
  - With --build, that every ROM and cfg file can be read`,
		Example: `  # Validate the configured layout
  lfsync validate

  # Validate another layout and read its ROMs
  lfsync validate --build ./menus/party.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.Menu.Layout
			if len(args) > 0 {
				path = args[0]
			}
			log.Info().Str("layout", path).Bool("build", build).Msg("Validating layout")

			parser := config.NewLayoutParser()
			layout, err := parser.Parse(cmd.Context(), []string{path})
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(out, struct {
					Layout *config.Layout            `json:"layout"`
					Errors []config.ValidationError `json:"errors,omitempty"`
				}{layout, layout.Errors}); err != nil {
					return err
				}
			} else {
				for _, e := range layout.Errors {
					fmt.Fprintln(out, e.Error())
				}
			}
			if err := layout.Err(); err != nil {
				return err
			}

			if build {
				model, err := parser.Build(cmd.Context(), layout)
				if err != nil {
					return err
				}
				if !jsonOutput {
					fmt.Fprintf(out, "Built %d entities with %d distinct images\n", model.Len(), len(model.Forks()))
				}
			}

			if !jsonOutput {
				files, dirs := layout.Count()
				fmt.Fprintf(out, "✓ %s is valid: %d files in %d directories\n", path, files, dirs)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&build, "build", false, "also read every ROM and build the tree")
	return cmd
}
