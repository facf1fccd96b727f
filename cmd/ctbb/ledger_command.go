package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ctbb/internal/ledger"
)

func newLedgerCommand(ctx *commandContext) *cobra.Command {
	var errorsOnly bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ledger <library>",
		Short: "Show completed jobs, or failed jobs with --errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}
			var entries []ledger.Entry
			if errorsOnly {
				entries, err = h.ledger.Errors()
			} else {
				entries, err = h.ledger.Done()
			}
			if err != nil {
				return err
			}
			if asJSON {
				if entries == nil {
					entries = []ledger.Entry{}
				}
				return writeJSON(cmd, entries)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				if errorsOnly {
					fmt.Fprintln(out, "No failed jobs")
				} else {
					fmt.Fprintln(out, "No completed jobs")
				}
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				if errorsOnly {
					rows = append(rows, []string{e.Descriptor, e.Kind})
				} else {
					rows = append(rows, []string{e.Descriptor})
				}
			}
			headers := []string{"Job"}
			if errorsOnly {
				headers = append(headers, "Kind")
			}
			writeRows(out, headers, rows, nil)
			return nil
		},
	}

	cmd.Flags().BoolVar(&errorsOnly, "errors", false, "Show the error ledger")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}
