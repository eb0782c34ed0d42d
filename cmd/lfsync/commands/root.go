package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	buildVersion string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lfsync",
		Short: "lfsync - LTO Flash menu synchronisation",
		Long: `lfsync keeps the file system of an LTO Flash cartridge in step with a menu
layout described in CUE.

Features:
  - Typed menu layouts via CUE, reloaded on change in watch mode
  - Crash-safe sessions guarded by the device dirty flags
  - ROM to LUIGI transcoding with a persistent container cache
  - Device activation policy, optionally scripted in Starlark
  - Device error classification
  - Session journal, metrics and tracing`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./lfsync.yaml when present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newTranscodeCommand())
	rootCmd.AddCommand(newClassifyCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newDevicesCommand())

	return rootCmd
}
