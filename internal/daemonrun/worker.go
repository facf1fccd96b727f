package daemonrun

import (
	"context"
	"fmt"
	"log/slog"

	"ctbb/internal/config"
	"ctbb/internal/devices"
	"ctbb/internal/ledger"
	"ctbb/internal/library"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/queue"
	"ctbb/internal/recon"
	"ctbb/internal/worker"
)

// RunWorker executes one job in the current process. It waits for the device
// lock, so a worker started while the device is busy queues behind the
// holder. The job outcome is reported through the ledgers and the Result; the
// error is reserved for failures before the job could start.
func RunWorker(ctx context.Context, cfg *config.Config, line, deviceName string, logger *slog.Logger) (worker.Result, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	desc, err := queue.ParseDescriptor(line)
	if err != nil {
		return worker.Result{}, err
	}
	ordinal, err := lockdir.ParseDeviceName(deviceName)
	if err != nil {
		return worker.Result{}, err
	}

	lib := library.New(cfg, logger)
	if err := lib.EnsureLayout(); err != nil {
		return worker.Result{}, fmt.Errorf("prepare library: %w", err)
	}
	locks, err := lockdir.Open(lib.MutexDir(), lockdir.Options{
		RetryInterval: cfg.LockRetryInterval(),
		ReclaimStale:  cfg.Locks.ReclaimStale,
		Logger:        logger,
	})
	if err != nil {
		return worker.Result{}, err
	}
	lock, err := locks.Lock(deviceName)
	if err != nil {
		return worker.Result{}, err
	}

	device := devices.Device{Ordinal: ordinal, Name: deviceName, Lock: lock}
	w, err := worker.NewBlocking(ctx, desc, device, worker.Dependencies{
		Library: lib,
		Ledger:  ledger.New(lib.DonePath(), lib.ErrorPath(), locks),
		Runner:  recon.NewExecRunner(cfg, logger),
		Logger:  logger,
	})
	if err != nil {
		return worker.Result{}, fmt.Errorf("claim %s: %w", deviceName, err)
	}
	return w.Run(context.WithoutCancel(ctx)), nil
}
