package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ctbb/internal/queue"
)

type queueEntry struct {
	Position       int    `json:"position"`
	Source         string `json:"source"`
	Dose           int    `json:"dose"`
	Kernel         string `json:"kernel"`
	SliceThickness string `json:"slice_thickness"`
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the library queue",
	}

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list <library>",
		Short: "List queued jobs in dispatch order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}
			// Read without the queue lock. A line mid-append reads as malformed.
			descs, skipped, err := queue.ReadFile(h.lib.QueuePath())
			if err != nil {
				return err
			}
			entries := make([]queueEntry, 0, len(descs))
			for i, d := range descs {
				entries = append(entries, queueEntry{
					Position:       i + 1,
					Source:         d.SourcePath,
					Dose:           d.Dose,
					Kernel:         d.Kernel,
					SliceThickness: d.SliceThickness,
				})
			}
			if asJSON {
				return writeJSON(cmd, entries)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{strconv.Itoa(e.Position), e.Source, strconv.Itoa(e.Dose), e.Kernel, e.SliceThickness})
			}
			writeRows(out, []string{"#", "Source", "Dose", "Kernel", "Slice"}, rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft})
			if skipped > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d malformed line(s) ignored\n", skipped)
			}
			return nil
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	queueCmd.AddCommand(listCmd)
	return queueCmd
}
