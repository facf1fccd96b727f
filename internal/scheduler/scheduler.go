package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ctbb/internal/devices"
	"ctbb/internal/ledger"
	"ctbb/internal/library"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/metrics"
	"ctbb/internal/queue"
	"ctbb/internal/worker"
)

// Options wires a scheduler to its library.
type Options struct {
	Library      *library.Library
	Locks        *lockdir.Dir
	Registry     *devices.Registry
	Ledger       *ledger.Ledger
	Spawner      Spawner
	Metrics      metrics.Recorder
	Logger       *slog.Logger
	PollInterval time.Duration
}

// Scheduler owns the in-memory queue and the device registry for one daemon
// run and assigns free devices to queued jobs.
type Scheduler struct {
	lib       *library.Library
	registry  *devices.Registry
	ledger    *ledger.Ledger
	spawner   Spawner
	metrics   metrics.Recorder
	logger    *slog.Logger
	poll      time.Duration
	store     *queue.Store
	queueLock *lockdir.Lock
}

// Stats describes one scheduler pass.
type Stats struct {
	Free       int
	Dispatched int
	Requeued   int
	Remaining  int
}

// New validates opts and builds a scheduler.
func New(opts Options) (*Scheduler, error) {
	switch {
	case opts.Library == nil:
		return nil, errors.New("scheduler requires a library")
	case opts.Locks == nil:
		return nil, errors.New("scheduler requires a lock directory")
	case opts.Registry == nil || opts.Registry.Len() == 0:
		return nil, devices.ErrNoDevices
	case opts.Spawner == nil:
		return nil, errors.New("scheduler requires a spawner")
	case opts.Ledger == nil:
		return nil, errors.New("scheduler requires a ledger")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoopRecorder{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	logger := logging.NewComponentLogger(opts.Logger, "scheduler")
	return &Scheduler{
		lib:       opts.Library,
		registry:  opts.Registry,
		ledger:    opts.Ledger,
		spawner:   opts.Spawner,
		metrics:   opts.Metrics,
		logger:    logger,
		poll:      opts.PollInterval,
		store:     queue.NewStore(opts.Library.QueuePath(), logger),
		queueLock: opts.Locks.MustLock(lockdir.NameQueue),
	}, nil
}

// Run iterates until the queue is drained and no worker it started is still
// running, or until ctx ends. It then waits for in-flight workers.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler running",
		logging.Event("scheduler_start"),
		logging.Int("devices", s.registry.Len()),
		logging.Duration("poll_interval", s.poll),
	)
	defer func() {
		if active := s.spawner.Active(); active > 0 {
			s.logger.Info("waiting for running workers", logging.Int("active", active))
		}
		s.spawner.Wait()
		s.refreshReconList()
		s.logger.Info("scheduler stopped", logging.Event("scheduler_stop"))
	}()

	for {
		stats, err := s.Iterate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		// Sampled before the refresh so a worker finishing in between is
		// still listed on the next pass.
		active := s.spawner.Active()
		s.refreshReconList()

		if stats.Remaining == 0 && active == 0 {
			s.logger.Info("queue drained", logging.Event("queue_drained"))
			return nil
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler interrupted; no further dispatch",
				logging.Int("remaining", stats.Remaining),
			)
			return nil
		case <-time.After(s.poll):
		}
	}
}

// Iterate performs one pass under the queue lock: refresh the queue, probe
// devices, and dispatch one descriptor per free device in FIFO order.
func (s *Scheduler) Iterate(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.queueLock.Acquire(ctx); err != nil {
		return stats, fmt.Errorf("acquire queue lock: %w", err)
	}
	defer func() {
		if err := s.queueLock.Release(); err != nil {
			logging.WarnWithContext(s.logger, "queue lock release failed", "queue_lock_release_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "someone removed the queue marker by hand"),
				logging.String(logging.FieldImpact, "none"),
			)
		}
	}()

	if err := s.store.Refresh(); err != nil {
		return stats, fmt.Errorf("refresh queue: %w", err)
	}
	free := s.registry.Free()
	stats.Free = len(free)
	s.logger.Debug("scheduler pass",
		logging.Int("queued", s.store.Len()),
		logging.Int("free_devices", len(free)),
	)

	for _, dev := range free {
		if s.store.Len() == 0 {
			break
		}
		desc, ok, err := s.store.PopFront()
		if err != nil {
			return stats, err
		}
		if !ok {
			break
		}
		switch err := s.spawner.Spawn(ctx, Dispatch{Descriptor: desc, Device: dev}); {
		case err == nil:
			stats.Dispatched++
			s.metrics.IncJobDispatched(dev.LockName())
			s.logger.Info("job dispatched",
				logging.Event("job_dispatched"),
				logging.Job(desc.String()),
				logging.Device(dev.LockName()),
			)
		case errors.Is(err, lockdir.ErrBusy):
			if err := s.store.PushFront(desc); err != nil {
				return stats, err
			}
			stats.Requeued++
			s.logger.Info("device taken before dispatch; job requeued",
				logging.Job(desc.String()),
				logging.Device(dev.LockName()),
			)
		default:
			s.recordSpawnFailure(desc, dev, err)
		}
	}

	stats.Remaining = s.store.Len()
	s.metrics.SetQueueDepth(stats.Remaining)
	s.metrics.SetDevicesBusy(s.registry.Len() - len(s.registry.Free()))
	return stats, nil
}

func (s *Scheduler) recordSpawnFailure(desc queue.Descriptor, dev devices.Device, spawnErr error) {
	logging.ErrorWithContext(s.logger, "worker failed to start", "worker_spawn_failed",
		logging.Error(spawnErr),
		logging.Job(desc.String()),
		logging.Device(dev.LockName()),
		logging.String(logging.FieldErrorHint, "check the worker executable and the lock directory"),
		logging.String(logging.FieldImpact, "job recorded as UnexpectedError"),
	)
	s.metrics.IncJobOutcome(worker.UnexpectedError.String())
	if err := s.ledger.RecordFailure(context.Background(), desc.String(), worker.UnexpectedError.String()); err != nil {
		s.logger.Error("recording spawn failure failed", logging.Error(err), logging.Job(desc.String()))
	}
}

func (s *Scheduler) refreshReconList() {
	count, err := s.lib.RefreshReconList()
	if err != nil {
		logging.WarnWithContext(s.logger, "recon list refresh failed", "recon_list_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on .proc and recon/"),
			logging.String(logging.FieldImpact, "recon_list may be stale"),
		)
		return
	}
	s.logger.Debug("recon list refreshed", logging.Int("studies", count))
}
