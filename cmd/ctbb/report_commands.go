package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"ctbb/internal/launch"
	"ctbb/internal/lockdir"
	"ctbb/internal/queue"
	"ctbb/internal/report"
)

const qaReportName = "qa_report.html"

func newReportCommand(ctx *commandContext) *cobra.Command {
	var outPath string
	var markdown bool

	cmd := &cobra.Command{
		Use:   "report <library>",
		Short: "Write an HTML QA report of ledgers, timings, and studies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}
			in, err := report.CollectQA(h.lib, h.ledger)
			if err != nil {
				return err
			}
			if in.MineErr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Some run logs were skipped: %v\n", in.MineErr)
			}

			body := report.QAMarkdown(in)
			if !markdown {
				if body, err = report.RenderHTML("ctbb QA: "+filepath.Base(h.cfg.LibraryRoot), body); err != nil {
					return err
				}
			}
			if outPath == "-" {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			target := outPath
			if target == "" {
				target = filepath.Join(h.lib.LogDir(), qaReportName)
			}
			if err := os.WriteFile(target, body, 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote QA report to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Destination file, - for stdout (default <library>/log/qa_report.html)")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "Write markdown instead of HTML")
	return cmd
}

func newDiffCommand(ctx *commandContext) *cobra.Command {
	var enqueue bool
	var priority string

	cmd := &cobra.Command{
		Use:   "diff <launch.yaml>",
		Short: "List jobs of a launch file whose image is missing",
		Long: `Expand a launch file and compare it against the images in its library.
With --enqueue the missing jobs are added to the queue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := queue.ParsePriority(priority)
			if err != nil {
				return err
			}
			launchCfg, err := launch.LoadConfig(args[0])
			if err != nil {
				return err
			}
			cases, err := launch.ReadCaseList(launchCfg.CaseList)
			if err != nil {
				return err
			}
			h, err := ctx.openLibrary(launchCfg.Library)
			if err != nil {
				return err
			}
			desired := launch.Expand(cases, launchCfg)
			missing, err := report.Diff(h.lib, desired)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(missing) == 0 {
				fmt.Fprintf(out, "All %d job(s) have images\n", len(desired))
				return nil
			}
			rows := make([][]string, 0, len(missing))
			for _, m := range missing {
				rows = append(rows, []string{m.Descriptor.String(), m.Reason})
			}
			writeRows(out, []string{"Job", "Reason"}, rows, nil)
			fmt.Fprintf(out, "%d of %d job(s) missing\n", len(missing), len(desired))

			if !enqueue {
				return nil
			}
			lock, err := h.locks.Lock(lockdir.NameQueue)
			if err != nil {
				return err
			}
			if err := queue.Submit(cmd.Context(), lock, h.lib.QueuePath(), report.Descriptors(missing), prio); err != nil {
				return err
			}
			fmt.Fprintf(out, "Queued %d job(s) at %s priority\n", len(missing), prio)
			return nil
		},
	}

	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "Queue the missing jobs")
	cmd.Flags().StringVar(&priority, "priority", string(queue.PriorityNormal), "Priority for --enqueue (normal or high)")
	return cmd
}
