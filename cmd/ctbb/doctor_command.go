package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ctbb/internal/deps"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor <library>",
		Short: "Check external binaries and library directories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			fmt.Fprintln(out, renderSectionHeader("Dependencies", colorize))

			failed := 0
			for _, st := range deps.Check(h.lib) {
				kind, msg := statusOK, st.Command
				switch {
				case st.Failed():
					kind, msg = statusError, st.Detail
					failed++
				case !st.Available:
					kind, msg = statusWarn, st.Detail+" (optional)"
				}
				fmt.Fprintln(out, renderStatusLine(st.Name, kind, msg, colorize))
			}
			if failed > 0 {
				return fmt.Errorf("%d required dependency check(s) failed", failed)
			}
			return nil
		},
	}
}
