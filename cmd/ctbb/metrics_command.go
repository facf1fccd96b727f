package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"ctbb/internal/report"
	"ctbb/internal/worker"
)

func newMetricsCommand(ctx *commandContext) *cobra.Command {
	var csvPath string
	var sqlitePath string

	cmd := &cobra.Command{
		Use:   "metrics <library>",
		Short: "Mine per-run logs for stage timings",
		Long: `Read every run log under <library>/log/runs and report per-job stage
timings. --csv writes the table as CSV ("-" for stdout); --sqlite upserts it
into a SQLite database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}
			runs, mineErr := report.MineRunLogs(h.lib.RunLogDir())
			if mineErr != nil {
				if len(runs) == 0 {
					return mineErr
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Some run logs were skipped: %v\n", mineErr)
			}

			out := cmd.OutOrStdout()
			switch {
			case csvPath == "-":
				return report.WriteCSV(out, runs)
			case csvPath != "":
				if err := report.WriteCSVFile(csvPath, runs); err != nil {
					return fmt.Errorf("write csv: %w", err)
				}
				fmt.Fprintf(out, "Wrote %d run(s) to %s\n", len(runs), csvPath)
			}
			if sqlitePath != "" {
				if err := report.WriteSQLite(cmd.Context(), sqlitePath, runs); err != nil {
					return err
				}
				fmt.Fprintf(out, "Exported %d run(s) to %s\n", len(runs), sqlitePath)
			}
			if csvPath != "" || sqlitePath != "" {
				return nil
			}

			if len(runs) == 0 {
				fmt.Fprintln(out, "No run logs found")
				return nil
			}
			printRuns(cmd, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "Write CSV to this file")
	cmd.Flags().StringVar(&sqlitePath, "sqlite", "", "Upsert runs into this SQLite database")
	return cmd
}

func printRuns(cmd *cobra.Command, runs []report.Run) {
	out := cmd.OutOrStdout()
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		status := run.Status
		if !run.Complete() {
			status = "-"
		}
		rows = append(rows, []string{
			run.RunID,
			run.Device,
			strconv.Itoa(run.Dose),
			status,
			formatSeconds(run.Total()),
			formatSeconds(run.Stages[worker.StageFetchRaw]),
			formatSeconds(run.Stages[worker.StageSimulateDose]),
			formatSeconds(run.Stages[worker.StageReconstruct]),
		})
	}
	writeRows(out, []string{"Run", "Device", "Dose", "Status", "Total", "Fetch", "Dose sim", "Recon"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight})

	sum := report.Summarize(runs)
	fmt.Fprintf(out, "\n%d run(s), %.0f%% succeeded, average %s, wall clock %s\n",
		sum.Runs, sum.SuccessRate()*100, formatSeconds(sum.AverageTime()), sum.RealTime.Round(time.Second))
}

func formatSeconds(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 1, 64) + "s"
}
