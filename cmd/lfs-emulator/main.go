// Command lfs-emulator is an emulated LTO Flash bridge. It speaks the device
// protocol on standard input and output, so lfsync can reach it as a stdio
// or ssh device.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/locutus/lfsync/pkg/device/emulator"
	"github.com/locutus/lfsync/pkg/device/protocol"
	"github.com/locutus/lfsync/pkg/lfs"
	"github.com/locutus/lfsync/pkg/luigi"
)

// Version information (set via ldflags during build)
var Version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newServeCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "lfs-emulator:", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var (
		stateDir     string
		id           string
		serial       string
		capabilities []string
		maxEntities  int
		maxForkBytes int64
		ttl          time.Duration
		logLevel     string
	)

	root := &cobra.Command{
		Use:     "lfs-emulator",
		Short:   "Emulated LTO Flash device bridge",
		Version: Version,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the device protocol on stdin and stdout",
		Long: `Serve one host connection on standard input and output. The emulator sends
HELLO, answers commands until its input closes, and exits. With --state the
file system, dirty flags and fork content persist between runs.

Logs are written to standard error; standard output carries the protocol.`,
		Example: `  # Local bridge for a stdio device
  lfs-emulator serve --state ./device

  # Remote bridge, as the ssh bridge_command
  lfs-emulator serve --state /var/lib/lto --id LTO-0042`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

			emu, err := emulator.New(emulator.Config{
				Info: protocol.DeviceInfo{
					ID:           id,
					Serial:       serial,
					Firmware:     "emulator-" + Version,
					Capabilities: capabilities,
					Limits:       lfs.Limits{MaxEntities: maxEntities, MaxForkBytes: maxForkBytes},
				},
				StateDir: stateDir,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ttl > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, ttl)
				defer cancel()
			}

			logger.Info().
				Str("device_id", emu.Info().ID).
				Str("state", stateDir).
				Str("capabilities", strings.Join(capabilities, ",")).
				Msg("Serving device protocol on stdio")
			// A blocked read of stdin does not observe ctx, so the process
			// exits without waiting for Serve once ctx is done.
			done := make(chan error, 1)
			go func() { done <- emu.Serve(ctx, os.Stdin, os.Stdout) }()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				logger.Info().Err(ctx.Err()).Msg("Stopped")
				return nil
			}
		},
	}

	serve.Flags().StringVar(&stateDir, "state", "", "directory persisting the device state (in memory when empty)")
	serve.Flags().StringVar(&id, "id", "LTO-EMU", "device id")
	serve.Flags().StringVar(&serial, "serial", "0000", "device serial number")
	serve.Flags().StringSliceVar(&capabilities, "capabilities", luigi.AllCapabilities.Names(), "hardware features the device provides")
	serve.Flags().IntVar(&maxEntities, "max-entities", 0, "file table size (0 for unlimited)")
	serve.Flags().Int64Var(&maxForkBytes, "max-fork-bytes", 0, "fork storage in bytes (0 for unlimited)")
	serve.Flags().DurationVar(&ttl, "ttl", 0, "exit after this long even if the host stays connected")
	serve.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	root.AddCommand(serve)
	return root
}
