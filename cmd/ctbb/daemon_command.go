package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ctbb/internal/daemonrun"
	"ctbb/internal/scheduler"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var quiet bool
	var development bool

	cmd := &cobra.Command{
		Use:   "daemon <library>",
		Short: "Run the scheduler for a library until its queue drains",
		Long: `Run the scheduler in the foreground. It dispatches queued jobs onto free
devices and exits once the queue is empty and no job is running. If another
daemon already serves the library this command exits successfully.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig(args[0])
			if err != nil {
				return err
			}
			opts := daemonrun.Options{
				ConfigPath:  ctx.configPath(),
				Development: development,
				Quiet:       quiet,
			}
			if ctx.logLevelFlag != nil {
				opts.LogLevel = strings.TrimSpace(*ctx.logLevelFlag)
			}
			err = daemonrun.Run(cmd.Context(), cfg, opts)
			if errors.Is(err, scheduler.ErrAlreadyRunning) {
				fmt.Fprintf(cmd.ErrOrStderr(), "Daemon already running for %s\n", cfg.LibraryRoot)
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&quiet, "quiet", false, "Write logs only to the library log directory")
	cmd.Flags().BoolVar(&development, "development", false, "Include source locations in console logs")
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single job outside the daemon",
	}

	workerCmd.AddCommand(&cobra.Command{
		Use:   "run <descriptor> <devN> <library>",
		Short: "Run one job on one device",
		Long: `Wait for the device to be free, then run the job to completion. The outcome
is written to the library ledgers, so the exit status only reflects whether
the job could be started.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig(args[2])
			if err != nil {
				return err
			}
			result, err := daemonrun.RunWorker(cmd.Context(), cfg, args[0], args[1], ctx.stderrLogger(cfg))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", result.RunID, result.Kind, result.Duration.Round(time.Millisecond))
			return nil
		},
	})
	return workerCmd
}
