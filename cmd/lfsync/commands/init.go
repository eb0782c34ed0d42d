package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/locutus/lfsync/pkg/config"
)

const sampleLayout = `package menu

// The desired menu of the cartridge. ROM and cfg paths are relative to root.
menu: {
	root: "roms"
	items: [
		// {name: "Astrosmash", rom: "astrosmash.bin", cfg: "astrosmash.cfg"},
		// {name: "Sports", items: [
		// 	{name: "Baseball", rom: "baseball.rom"},
		// ]},
	]
}
`

func newInitCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an lfsync workspace",
		Long: `Initialize a workspace with a configuration file, a sample menu layout, a ROM
directory and the session database.

The workspace targets the built-in emulator until the device section of
lfsync.yaml is changed.`,
		Example: `  # Initialize the current directory
  lfsync init

  # Initialize another directory
  lfsync init --dir ~/lto`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			log.Info().Str("dir", dir).Msg("Initializing workspace")

			cfgFile := configPath
			if cfgFile == "" {
				cfgFile = filepath.Join(dir, config.DefaultConfigFile)
			}
			base := filepath.Dir(cfgFile)

			for _, d := range []string{base, filepath.Join(base, "roms"), filepath.Join(base, "device")} {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
			}

			cfg := config.Default()
			cfg.Device.StateDir = "device"
			if err := config.Write(cfgFile, cfg); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Wrote %s\n", cfgFile)

			layout := filepath.Join(base, cfg.Menu.Layout)
			if _, err := os.Stat(layout); os.IsNotExist(err) {
				if err := os.WriteFile(layout, []byte(sampleLayout), 0o644); err != nil {
					return fmt.Errorf("failed to write layout: %w", err)
				}
				fmt.Fprintf(out, "✓ Wrote %s\n", layout)
			}

			dbCfg := *cfg
			dbCfg.Store.Path = filepath.Join(base, cfg.Store.Path)
			store, err := openStore(cmd.Context(), &dbCfg)
			if err != nil {
				return err
			}
			store.Close()
			fmt.Fprintf(out, "✓ Initialized database %s\n", filepath.Join(base, cfg.Store.Path))

			fmt.Fprintln(out, "\nAdd ROMs to roms/, list them in menu.cue and run 'lfsync sync'.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "workspace directory")
	return cmd
}
