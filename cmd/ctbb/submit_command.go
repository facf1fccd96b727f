package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ctbb/internal/launch"
	"ctbb/internal/lockdir"
	"ctbb/internal/queue"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var priority string

	cmd := &cobra.Command{
		Use:   "submit <library> [descriptor...]",
		Short: "Add jobs to a library queue",
		Long: `Add job descriptors (source_path,dose,kernel,slice_thickness) to the queue.
Without descriptor arguments, descriptors are read from stdin one per line.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := queue.ParsePriority(priority)
			if err != nil {
				return err
			}
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}

			var descs []queue.Descriptor
			if len(args) > 1 {
				for _, line := range args[1:] {
					desc, err := queue.ParseDescriptor(line)
					if err != nil {
						return err
					}
					descs = append(descs, desc)
				}
			} else {
				var skipped int
				descs, skipped, err = queue.Parse(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read descriptors: %w", err)
				}
				if skipped > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "Skipped %d malformed line(s)\n", skipped)
				}
			}
			if len(descs) == 0 {
				return errors.New("no job descriptors supplied")
			}

			lock, err := h.locks.Lock(lockdir.NameQueue)
			if err != nil {
				return err
			}
			if err := queue.Submit(cmd.Context(), lock, h.lib.QueuePath(), descs, prio); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %d job(s) at %s priority\n", len(descs), prio)
			return nil
		},
	}

	cmd.Flags().StringVar(&priority, "priority", string(queue.PriorityNormal), "normal appends to the queue, high prepends")
	return cmd
}

func newLaunchCommand(ctx *commandContext) *cobra.Command {
	var priority string
	var noDaemon bool

	cmd := &cobra.Command{
		Use:   "launch <launch.yaml>",
		Short: "Queue a batch from a launch file and start the daemon",
		Long: `Expand the case list of a YAML launch file into jobs (case, dose, slice
thickness, kernel), import base parameter files, queue the jobs, and start a
detached daemon for the library. A daemon already running keeps the queue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			launchCfg, err := launch.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("priority") {
				launchCfg.Priority = priority
			}
			h, err := ctx.openLibrary(launchCfg.Library)
			if err != nil {
				return err
			}
			sum, err := launch.Submit(cmd.Context(), h.lib, launchCfg, h.logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Queued %d job(s) for %d case(s) at %s priority; imported %d parameter file(s)\n",
				sum.Jobs, sum.Cases, sum.Priority, sum.Parameters)
			if noDaemon {
				return nil
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			pid, err := launch.Detach(launch.DaemonCommand(exe, h.cfg.LibraryRoot, ctx.configPath()))
			if err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}
			fmt.Fprintf(out, "Started daemon for %s (pid %d)\n", h.cfg.LibraryRoot, pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "", "Override the launch file priority (normal or high)")
	cmd.Flags().BoolVar(&noDaemon, "no-daemon", false, "Only queue the jobs")
	return cmd
}
