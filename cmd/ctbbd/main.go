// Command ctbbd runs the reconstruction scheduler for one library until its
// queue drains.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ctbb/internal/config"
	"ctbb/internal/daemonrun"
	"ctbb/internal/logging"
	"ctbb/internal/scheduler"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts daemonrun.Options

	cmd := &cobra.Command{
		Use:           "ctbbd <library>",
		Short:         "CT reconstruction batch daemon",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(args[0], opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			err = daemonrun.Run(cmd.Context(), cfg, opts)
			if errors.Is(err, scheduler.ErrAlreadyRunning) {
				fmt.Fprintf(cmd.ErrOrStderr(), "ctbbd already running for %s\n", cfg.LibraryRoot)
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Library configuration file (default <library>/.proc/ctbb.toml)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Override logging.level")
	cmd.Flags().BoolVar(&opts.Quiet, "quiet", false, "Write logs only to the library log directory")
	cmd.Flags().BoolVar(&opts.Development, "development", false, "Include source locations in console logs")
	cmd.AddCommand(newWorkerCommand())
	return cmd
}

// newWorkerCommand is the entry point process-mode workers are spawned
// through when the daemon runs as ctbbd.
func newWorkerCommand() *cobra.Command {
	var configPath, logLevel string

	run := &cobra.Command{
		Use:   "run <descriptor> <devN> <library>",
		Short: "Run one job on one device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(args[2], configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			level := logLevel
			if level == "" {
				level = cfg.Logging.Level
			}
			logger, err := logging.New(logging.Options{Level: level, Format: "console", OutputPaths: []string{"stderr"}})
			if err != nil {
				logger = logging.NewNop()
			}
			result, err := daemonrun.RunWorker(cmd.Context(), cfg, args[0], args[1], logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", result.RunID, result.Kind, result.Duration.Round(time.Millisecond))
			return nil
		},
	}
	run.Flags().StringVarP(&configPath, "config", "c", "", "Library configuration file")
	run.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")

	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single job outside the daemon",
		Hidden: true,
	}
	workerCmd.AddCommand(run)
	return workerCmd
}
