package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ctbb/internal/devices"
	"ctbb/internal/lockdir"
)

type deviceView struct {
	Lock     string `json:"lock"`
	Name     string `json:"name"`
	BusID    string `json:"bus_id,omitempty"`
	Busy     bool   `json:"busy"`
	OwnerPID int    `json:"owner_pid,omitempty"`
}

func newDevicesCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices <library>",
		Short: "List compute devices and whether a job holds them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}
			registry, err := enumerateDevices(cmd.Context(), h)
			if err != nil {
				return err
			}
			views, err := describeDevices(registry)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, views)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Source: %s\n", registry.Source())
			rows := make([][]string, 0, len(views))
			for _, v := range views {
				state := "free"
				if v.Busy {
					state = "busy"
				}
				owner := ""
				if v.OwnerPID > 0 {
					owner = strconv.Itoa(v.OwnerPID)
				}
				rows = append(rows, []string{v.Lock, v.Name, v.BusID, state, owner})
			}
			writeRows(out, []string{"Lock", "Name", "Bus", "State", "PID"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight})
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func enumerateDevices(ctx context.Context, h *libraryHandle) (*devices.Registry, error) {
	return devices.Enumerate(ctx, devices.NewEnumerator(h.cfg, h.logger), h.locks, h.logger)
}

func describeDevices(registry *devices.Registry) ([]deviceView, error) {
	views := make([]deviceView, 0, registry.Len())
	for _, dev := range registry.Devices() {
		state, err := dev.Lock.Probe()
		if err != nil {
			return nil, err
		}
		v := deviceView{
			Lock:  dev.LockName(),
			Name:  dev.Name,
			BusID: dev.BusID,
			Busy:  state == lockdir.Held,
		}
		if v.Busy {
			if owner, err := dev.Lock.Owner(); err == nil {
				v.OwnerPID = owner.PID
			}
		}
		views = append(views, v)
	}
	return views, nil
}
