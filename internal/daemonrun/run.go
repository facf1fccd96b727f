package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"

	"ctbb/internal/config"
	"ctbb/internal/deps"
	"ctbb/internal/devices"
	"ctbb/internal/ledger"
	"ctbb/internal/library"
	"ctbb/internal/lockdir"
	"ctbb/internal/logging"
	"ctbb/internal/metrics"
	"ctbb/internal/recon"
	"ctbb/internal/scheduler"
	"ctbb/internal/worker"
)

const (
	// CurrentLogName points at the newest daemon log under log/.
	CurrentLogName = "ctbbd.log"
	// PIDFileName lives under .proc while a daemon runs.
	PIDFileName = "ctbbd.pid"

	daemonLogPattern = "ctbbd-*.log"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// ConfigPath is forwarded to spawned worker processes.
	ConfigPath  string
	LogLevel    string
	Development bool
	// Quiet drops the stdout copy of the daemon log.
	Quiet bool
}

// Run starts the ctbb daemon for one library and returns when the queue is
// drained and every in-process worker has finished, or after SIGINT/SIGTERM.
// A second daemon on the same library returns scheduler.ErrAlreadyRunning
// without touching anything.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lib := library.New(cfg, logging.NewNop())
	if err := lib.EnsureLayout(); err != nil {
		return fmt.Errorf("prepare library: %w", err)
	}

	locks, err := lockdir.Open(lib.MutexDir(), lockdir.Options{
		RetryInterval: cfg.LockRetryInterval(),
		ReclaimStale:  cfg.Locks.ReclaimStale,
	})
	if err != nil {
		return err
	}
	release, err := scheduler.Claim(locks)
	if err != nil {
		return err
	}
	defer release() //nolint:errcheck

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(lib.LogDir(), fmt.Sprintf("ctbbd-%s.log", runID))
	outputs := []string{"stdout", logPath}
	if opts.Quiet {
		outputs = []string{logPath}
	}
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, closeLog, err := logging.NewCloser(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog() //nolint:errcheck

	if err := ensureCurrentLogPointer(lib.LogDir(), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", CurrentLogName, err)
	}
	pruneLogs(logger, lib, cfg.Logging.RetentionDays, logPath)

	pidPath := filepath.Join(lib.ProcDir(), PIDFileName)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	logger.Info("ctbb daemon starting",
		logging.Event("daemon_start"),
		logging.String("library", cfg.LibraryRoot),
		logging.String("worker_mode", cfg.Scheduler.WorkerMode),
		logging.String("log_path", logPath),
	)
	logDependencySnapshot(logger, lib)

	registry, err := devices.Enumerate(signalCtx, devices.NewEnumerator(cfg, logger), locks, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "device enumeration failed", "device_enumeration_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "set scheduler.device_source = \"static\" with device_count, or check the GPU driver"),
			logging.String(logging.FieldImpact, "daemon exits without dispatching"),
		)
		return err
	}

	recorder, flush := newRecorder(cfg, logger)

	cron, err := startHousekeeping(cfg, lib, logger, logPath, flush)
	if err != nil {
		return err
	}
	defer func() {
		if err := cron.Shutdown(); err != nil {
			logger.Warn("housekeeping shutdown failed", logging.Error(err))
		}
		flush()
	}()

	workerDeps := worker.Dependencies{
		Library: library.New(cfg, logger),
		Ledger:  ledger.New(lib.DonePath(), lib.ErrorPath(), locks),
		Runner:  recon.NewExecRunner(cfg, logger),
		Metrics: recorder,
		Logger:  logger,
	}
	spawner, err := scheduler.NewSpawner(cfg, opts.ConfigPath, workerDeps, logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Options{
		Library:      workerDeps.Library,
		Locks:        locks,
		Registry:     registry,
		Ledger:       workerDeps.Ledger,
		Spawner:      spawner,
		Metrics:      recorder,
		Logger:       logger,
		PollInterval: cfg.PollInterval(),
	})
	if err != nil {
		return err
	}
	if err := sched.Run(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "scheduler stopped with error", "scheduler_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the queue file and lock directory"),
			logging.String(logging.FieldImpact, "remaining jobs stay queued"),
		)
		return err
	}
	logger.Info("ctbb daemon exiting", logging.Event("daemon_stop"))
	return nil
}

func newRecorder(cfg *config.Config, logger *slog.Logger) (metrics.Recorder, func()) {
	if !cfg.Metrics.Enabled {
		return metrics.NoopRecorder{}, func() {}
	}
	recorder := metrics.NewPrometheusRecorder(nil)
	flush := func() {
		if err := recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logging.WarnWithContext(logger, "metrics export failed", "metrics_export_failed",
				logging.Error(err),
				logging.String("textfile", cfg.Metrics.Textfile),
				logging.String(logging.FieldErrorHint, "check metrics.textfile permissions"),
				logging.String(logging.FieldImpact, "metrics are stale"),
			)
		}
	}
	return recorder, flush
}

// startHousekeeping schedules the metrics flush and daily log pruning.
func startHousekeeping(cfg *config.Config, lib *library.Library, logger *slog.Logger, logPath string, flush func()) (gocron.Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create housekeeping scheduler: %w", err)
	}
	if cfg.Metrics.Enabled {
		if _, err := cron.NewJob(
			gocron.DurationJob(cfg.MetricsFlushInterval()),
			gocron.NewTask(flush),
			gocron.WithName("metrics-flush"),
		); err != nil {
			return nil, fmt.Errorf("schedule metrics flush: %w", err)
		}
	}
	if cfg.Logging.RetentionDays > 0 {
		if _, err := cron.NewJob(
			gocron.DurationJob(24*time.Hour),
			gocron.NewTask(pruneLogs, logger, lib, cfg.Logging.RetentionDays, logPath),
			gocron.WithName("log-retention"),
		); err != nil {
			return nil, fmt.Errorf("schedule log retention: %w", err)
		}
	}
	cron.Start()
	return cron, nil
}

func pruneLogs(logger *slog.Logger, lib *library.Library, retentionDays int, current string) {
	removed := logging.CleanupOldLogs(logger, retentionDays,
		logging.RetentionTarget{Dir: lib.LogDir(), Pattern: daemonLogPattern, Exclude: []string{current}},
		logging.RetentionTarget{Dir: lib.RunLogDir(), Pattern: "*.log"},
	)
	if removed > 0 {
		logger.Info("old logs pruned", logging.Int("removed", removed))
	}
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, CurrentLogName)
	if err := os.Remove(current); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, lib *library.Library) {
	for _, status := range deps.CheckBinaries(deps.Requirements(lib.Config())) {
		attrs := []logging.Attr{
			logging.String("dependency", status.Name),
			logging.String("binary", status.Command),
			logging.Bool("available", status.Available),
		}
		if status.Failed() {
			logging.WarnWithContext(logger, "required program missing", "dependency_missing",
				append(attrs,
					logging.String("detail", status.Detail),
					logging.String(logging.FieldErrorHint, "install it or set its path in ctbb.toml"),
					logging.String(logging.FieldImpact, "jobs needing it will fail"),
				)...,
			)
			continue
		}
		attrs = append(attrs, logging.Event("dependency_snapshot"))
		logger.Debug("dependency snapshot", logging.Args(attrs...)...)
	}
}
