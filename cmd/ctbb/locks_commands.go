package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"ctbb/internal/lockdir"
)

type lockView struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid,omitempty"`
	Host       string    `json:"host,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitzero"`
	Known      bool      `json:"known"`
	Stale      bool      `json:"stale"`
}

func newLocksCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	locksCmd := &cobra.Command{
		Use:   "locks <library>",
		Short: "List held locks with their owners",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}
			statuses, err := h.locks.List()
			if err != nil {
				return err
			}
			views := make([]lockView, 0, len(statuses))
			for _, st := range statuses {
				views = append(views, lockView{
					Name:       st.Name,
					PID:        st.Owner.PID,
					Host:       st.Owner.Host,
					AcquiredAt: st.Owner.AcquiredAt,
					Known:      st.Known,
					Stale:      st.Stale,
				})
			}
			if asJSON {
				return writeJSON(cmd, views)
			}

			out := cmd.OutOrStdout()
			if len(views) == 0 {
				fmt.Fprintln(out, "No locks held")
				return nil
			}
			now := time.Now()
			rows := make([][]string, 0, len(views))
			for _, v := range views {
				if !v.Known {
					rows = append(rows, []string{v.Name, "?", "?", "?", "unreadable"})
					continue
				}
				rows = append(rows, []string{
					v.Name,
					strconv.Itoa(v.PID),
					v.Host,
					now.Sub(v.AcquiredAt).Round(time.Second).String(),
					yesNo(v.Stale),
				})
			}
			writeRows(out, []string{"Lock", "PID", "Host", "Age", "Stale"}, rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignLeft})
			return nil
		},
	}
	locksCmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")

	locksCmd.AddCommand(newLocksReleaseCommand(ctx))
	return locksCmd
}

func newLocksReleaseCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "release <library> <name>",
		Short: "Clear a lock marker left behind by a dead process",
		Long: `Remove a lock marker. Markers whose owner is still running on this host are
kept unless --force is given, since removing them lets a second holder in.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}
			name := args[1]
			lock, err := h.locks.Lock(name)
			if err != nil {
				return err
			}

			if !force {
				statuses, err := h.locks.List()
				if err != nil {
					return err
				}
				for _, st := range statuses {
					if st.Name == name && st.Known && !st.Stale {
						return fmt.Errorf("lock %s is held by pid %d on %s; use --force to clear it", name, st.Owner.PID, st.Owner.Host)
					}
				}
			}

			err = lock.Release()
			if errors.Is(err, lockdir.ErrNotHeld) {
				fmt.Fprintf(cmd.OutOrStdout(), "Lock %s is not held\n", name)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released lock %s\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Remove the marker even if its owner is alive")
	return cmd
}
