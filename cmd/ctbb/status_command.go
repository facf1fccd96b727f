package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"ctbb/internal/daemonrun"
	"ctbb/internal/devices"
	"ctbb/internal/library"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/queue"
)

// watchDebounce coalesces the burst of writes one scheduler iteration makes.
const watchDebounce = 200 * time.Millisecond

type statusSnapshot struct {
	Library       string       `json:"library"`
	DaemonRunning bool         `json:"daemon_running"`
	DaemonPID     int          `json:"daemon_pid,omitempty"`
	Queued        int          `json:"queued"`
	Malformed     int          `json:"malformed"`
	Done          int          `json:"done"`
	Failed        int          `json:"failed"`
	DeviceSource  string       `json:"device_source,omitempty"`
	DeviceError   string       `json:"device_error,omitempty"`
	Devices       []deviceView `json:"devices"`
	StaleLocks    []string     `json:"stale_locks,omitempty"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <library>",
		Short: "Summarize daemon, queue, devices, and ledgers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := ctx.openLibrary(args[0])
			if err != nil {
				return err
			}
			registry, enumErr := enumerateDevices(cmd.Context(), h)

			render := func() error {
				snap, err := collectStatus(h, registry, enumErr)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, snap)
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				if watch && colorize {
					fmt.Fprint(out, "\x1b[H\x1b[2J")
				}
				printStatus(out, snap, colorize)
				return nil
			}

			if err := render(); err != nil || !watch {
				return err
			}
			watchCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchLibrary(watchCtx, h, render)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-render whenever the queue, ledgers, or locks change")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func collectStatus(h *libraryHandle, registry *devices.Registry, enumErr error) (statusSnapshot, error) {
	snap := statusSnapshot{Library: h.cfg.LibraryRoot, Devices: []deviceView{}}

	daemonLock, err := h.locks.Lock(lockdir.NameDaemon)
	if err != nil {
		return snap, err
	}
	state, err := daemonLock.Probe()
	if err != nil {
		return snap, err
	}
	if state == lockdir.Held {
		snap.DaemonRunning = true
		if owner, err := daemonLock.Owner(); err == nil {
			snap.DaemonPID = owner.PID
		}
	}

	descs, skipped, err := queue.ReadFile(h.lib.QueuePath())
	if err != nil {
		return snap, err
	}
	snap.Queued, snap.Malformed = len(descs), skipped

	done, err := h.ledger.Done()
	if err != nil {
		return snap, err
	}
	failed, err := h.ledger.Errors()
	if err != nil {
		return snap, err
	}
	snap.Done, snap.Failed = len(done), len(failed)

	if enumErr != nil {
		snap.DeviceError = enumErr.Error()
	} else {
		snap.DeviceSource = registry.Source()
		if snap.Devices, err = describeDevices(registry); err != nil {
			return snap, err
		}
	}

	statuses, err := h.locks.List()
	if err != nil {
		return snap, err
	}
	for _, st := range statuses {
		if st.Stale {
			snap.StaleLocks = append(snap.StaleLocks, st.Name)
		}
	}
	return snap, nil
}

func printStatus(w io.Writer, snap statusSnapshot, colorize bool) {
	fmt.Fprintln(w, renderSectionHeader("ctbb "+snap.Library, colorize))

	if snap.DaemonRunning {
		msg := "running"
		if snap.DaemonPID > 0 {
			msg = fmt.Sprintf("running (pid %d)", snap.DaemonPID)
		}
		fmt.Fprintln(w, renderStatusLine("Daemon", statusOK, msg, colorize))
	} else {
		kind := statusInfo
		if snap.Queued > 0 {
			kind = statusWarn
		}
		fmt.Fprintln(w, renderStatusLine("Daemon", kind, "not running", colorize))
	}

	queueMsg := fmt.Sprintf("%d queued", snap.Queued)
	queueKind := statusInfo
	if snap.Malformed > 0 {
		queueMsg += fmt.Sprintf(", %d malformed", snap.Malformed)
		queueKind = statusWarn
	}
	fmt.Fprintln(w, renderStatusLine("Queue", queueKind, queueMsg, colorize))

	ledgerKind := statusOK
	if snap.Failed > 0 {
		ledgerKind = statusWarn
	}
	fmt.Fprintln(w, renderStatusLine("Ledger", ledgerKind, fmt.Sprintf("%d done, %d failed", snap.Done, snap.Failed), colorize))

	if snap.DeviceError != "" {
		fmt.Fprintln(w, renderStatusLine("Devices", statusError, snap.DeviceError, colorize))
	} else {
		busy := 0
		for _, d := range snap.Devices {
			if d.Busy {
				busy++
			}
		}
		fmt.Fprintln(w, renderStatusLine("Devices", statusInfo,
			fmt.Sprintf("%d busy of %d (%s)", busy, len(snap.Devices), snap.DeviceSource), colorize))
		for _, d := range snap.Devices {
			kind, msg := statusOK, "free"
			if d.Busy {
				kind, msg = statusInfo, "busy"
				if d.OwnerPID > 0 {
					msg = fmt.Sprintf("busy (pid %d)", d.OwnerPID)
				}
			}
			fmt.Fprintln(w, renderStatusLine("  "+d.Lock, kind, msg, colorize))
		}
	}

	if len(snap.StaleLocks) > 0 {
		fmt.Fprintln(w, renderStatusLine("Stale locks", statusWarn, fmt.Sprint(snap.StaleLocks), colorize))
	}
}

// watchLibrary calls render after changes under the proc directory until ctx
// ends.
func watchLibrary(ctx context.Context, h *libraryHandle, render func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range []string{h.lib.ProcDir(), h.lib.MutexDir()} {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignoredWatchPath(h, event.Name) {
				continue
			}
			debounce.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.WarnWithContext(h.logger, "status watch error", "status_watch_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "the view may lag until the next change"),
			)
		case <-debounce.C:
			if err := render(); err != nil {
				return err
			}
		}
	}
}

// ignoredWatchPath filters writes that never change the status view: the
// PID file, the recon list, the metrics textfile, and hidden temp files.
func ignoredWatchPath(h *libraryHandle, path string) bool {
	base := filepath.Base(path)
	switch {
	case base == daemonrun.PIDFileName, base == library.ReconListName:
		return true
	case base == filepath.Base(h.cfg.Metrics.Textfile):
		return true
	}
	return strings.HasPrefix(base, ".")
}
