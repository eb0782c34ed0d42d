package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/locutus/lfsync/pkg/luigi"
)

func newTranscodeCommand() *cobra.Command {
	var (
		cfgFile  string
		outFile  string
		mode     string
		features string
		caps     []string
	)

	cmd := &cobra.Command{
		Use:   "transcode ROM",
		Short: "Convert a ROM image to a LUIGI container",
		Long: `Convert a ROM image, with its optional cfg file, to the LUIGI container the
device stores. The container is cached for later syncs.

Generation modes:
  standard        Infer feature flags from the image and its cfg
  feature_update  Apply the flags given with --features
  reset           Clear every feature flag
  passthrough     Keep LUIGI sources unchanged`,
		Example: `  # Transcode with the configured mode
  lfsync transcode roms/astro.bin --cfg roms/astro.cfg

  # Require ECS and write the container next to the ROM
  lfsync transcode roms/astro.bin --mode feature_update --features ecs=requires`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, buildVersion)
			if err != nil {
				return err
			}
			defer rt.Close()

			romPath := args[0]
			rom, err := os.ReadFile(romPath)
			if err != nil {
				return fmt.Errorf("failed to read rom: %w", err)
			}
			var cfgData []byte
			if cfgFile != "" {
				if cfgData, err = os.ReadFile(cfgFile); err != nil {
					return fmt.Errorf("failed to read cfg: %w", err)
				}
			}

			req := luigi.Request{
				Name:   filepath.Base(romPath),
				Rom:    rom,
				Config: cfgData,
				Mode:   rt.cfg.Reconcile.Mode,
			}
			if mode != "" {
				req.Mode = luigi.GenerationMode(mode)
			}
			if len(caps) == 0 {
				caps = rt.cfg.Device.Capabilities
			}
			if req.Features.Capabilities, err = luigi.ParseCapabilities(caps); err != nil {
				return err
			}
			if features != "" {
				if req.Features.Flags, err = luigi.ParseFeatureFlags(features); err != nil {
					return err
				}
			} else if req.Features.Flags, err = rt.cfg.Reconcile.Features(); err != nil {
				return err
			}

			tc, err := rt.transcoder()
			if err != nil {
				return err
			}
			res, err := tc.Transcode(ctx, req)
			if err != nil {
				return err
			}

			if outFile == "" {
				outFile = strings.TrimSuffix(romPath, filepath.Ext(romPath)) + ".luigi"
			}
			if err := os.WriteFile(outFile, res.Container, 0o644); err != nil {
				return fmt.Errorf("failed to write container: %w", err)
			}
			log.Info().Str("out", outFile).Int("bytes", len(res.Container)).Msg("Container written")

			if jsonOutput {
				return printJSON(out, struct {
					Out         string `json:"out"`
					Key         string `json:"key"`
					Source      string `json:"source"`
					Flags       string `json:"flags"`
					Size        int    `json:"size"`
					CacheHit    bool   `json:"cache_hit"`
					Passthrough bool   `json:"passthrough"`
				}{outFile, res.Key.String(), string(res.Source), res.Flags.String(), len(res.Container), res.CacheHit, res.Passthrough})
			}
			fmt.Fprintf(out, "%s -> %s\n", romPath, outFile)
			fmt.Fprintf(out, "  source: %s\n  key:    %s\n  flags:  %s\n  size:   %d bytes\n",
				res.Source, res.Key, res.Flags, len(res.Container))
			if res.CacheHit {
				fmt.Fprintln(out, "  (from cache)")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfgFile, "cfg", "", "cfg file describing the ROM's memory map")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "container path (default ROM path with .luigi)")
	cmd.Flags().StringVar(&mode, "mode", "", "generation mode (default from config)")
	cmd.Flags().StringVar(&features, "features", "", "feature flags for feature_update, e.g. ecs=requires,voice=enhances")
	cmd.Flags().StringSliceVar(&caps, "capabilities", nil, "target device capabilities (default from config)")
	return cmd
}
