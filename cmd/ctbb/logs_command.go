package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ctbb/internal/daemonrun"
	"ctbb/internal/logs"
)

const followPoll = 250 * time.Millisecond

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var runID string
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs <library>",
		Short: "Show the current daemon log, or one job run log with --run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}
			path := filepath.Join(h.lib.LogDir(), daemonrun.CurrentLogName)
			if runID != "" {
				path = filepath.Join(h.lib.RunLogDir(), filepath.Base(runID)+".log")
			}

			tail, offset, err := logs.Last(path, lines)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, line := range tail {
				fmt.Fprintln(out, line)
			}
			if !follow {
				return nil
			}
			followCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return logs.Follow(followCtx, path, offset, followPoll, func(line string) {
				fmt.Fprintln(out, line)
			})
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Job run id (see `ctbb metrics`)")
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	return cmd
}
